package edge

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<bucket>           bucketMeta
//	e:<bucket>\x00<url>  CacheEntry
//	m:<bucket>\x00<url>  entryMeta
//	w:active             active version name
var (
	prefixBucket = []byte("n:")
	prefixEntry  = []byte("e:")
	prefixMeta   = []byte("m:")
	keyActive    = []byte("w:active")
)

var ErrBucketNotFound = errors.New("cache bucket not found")

type bucketMeta struct {
	Seq       uint64
	CreatedAt int64
}

type entryMeta struct {
	Size       int64
	LastAccess int64
}

type bucketIndex struct {
	seq      uint64
	entries  map[string]entryMeta
	total    int64
	maxBytes int64
}

// CacheStorage is a set of named buckets persisted in leveldb. Lookups that
// span buckets visit them in creation order.
type CacheStorage struct {
	db *leveldb.DB

	mu      sync.Mutex
	buckets map[string]*bucketIndex
	nextSeq uint64
	closed  bool
}

func OpenCacheStorage(path string) (*CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newCacheStorage(db)
}

// OpenMemCacheStorage returns a storage that lives only in memory.
func OpenMemCacheStorage() (*CacheStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newCacheStorage(db)
}

func newCacheStorage(db *leveldb.DB) (*CacheStorage, error) {
	s := &CacheStorage{db: db, buckets: map[string]*bucketIndex{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *CacheStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *CacheStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix(prefixBucket), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), prefixBucket))
		var meta bucketMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		s.buckets[name] = &bucketIndex{seq: meta.Seq, entries: map[string]entryMeta{}}
		if meta.Seq >= s.nextSeq {
			s.nextSeq = meta.Seq + 1
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix(prefixMeta), nil)
	defer it.Release()
	for it.Next() {
		bucket, url, ok := splitEntryKey(bytes.TrimPrefix(it.Key(), prefixMeta))
		if !ok {
			continue
		}
		idx, exists := s.buckets[bucket]
		if !exists {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx.entries[url] = meta
		idx.total += meta.Size
	}
	return it.Error()
}

// Open returns the named bucket, creating it if needed.
func (s *CacheStorage) Open(name string) (*Cache, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("open cache %q: %w", name, leveldb.ErrClosed)
	}
	if _, ok := s.buckets[name]; ok {
		return &Cache{s: s, name: name}, nil
	}

	meta := bucketMeta{Seq: s.nextSeq, CreatedAt: time.Now().Unix()}
	b, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put(bucketKey(name), b, nil); err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	s.nextSeq++
	s.buckets[name] = &bucketIndex{seq: meta.Seq, entries: map[string]entryMeta{}}
	return &Cache{s: s, name: name}, nil
}

// Get returns the named bucket without creating it.
func (s *CacheStorage) Get(name string) (*Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("get cache %q: %w", name, leveldb.ErrClosed)
	}
	if _, ok := s.buckets[name]; !ok {
		return nil, fmt.Errorf("cache %q: %w", name, ErrBucketNotFound)
	}
	return &Cache{s: s, name: name}, nil
}

func (s *CacheStorage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

// Keys returns bucket names in creation order.
func (s *CacheStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked()
}

func (s *CacheStorage) keysLocked() []string {
	out := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.buckets[out[i]].seq < s.buckets[out[j]].seq
	})
	return out
}

// Delete removes a bucket and every entry in it in one batch.
func (s *CacheStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, leveldb.ErrClosed
	}
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(bucketKey(name))
	for _, prefix := range [][]byte{prefixEntry, prefixMeta} {
		it := s.db.NewIterator(util.BytesPrefix(entryPrefix(prefix, name)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	delete(s.buckets, name)
	return true, nil
}

// Match looks the url up across all buckets.
func (s *CacheStorage) Match(url string) (CacheEntry, bool) {
	for _, name := range s.Keys() {
		c := &Cache{s: s, name: name}
		if ent, ok := c.Match(url); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

func (s *CacheStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, idx := range s.buckets {
		total += idx.total
	}
	return total
}

func (s *CacheStorage) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, idx := range s.buckets {
		n += len(idx.entries)
	}
	return n
}

func (s *CacheStorage) ActiveVersion() (string, bool) {
	b, err := s.db.Get(keyActive, nil)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *CacheStorage) SetActiveVersion(name string) error {
	return s.db.Put(keyActive, []byte(name), nil)
}

// Cache is a handle to one bucket. It stays valid until the bucket is
// deleted; writes after that fail with ErrBucketNotFound.
type Cache struct {
	s    *CacheStorage
	name string
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(url string) (CacheEntry, bool) {
	c.s.mu.Lock()
	idx, ok := c.s.buckets[c.name]
	if ok {
		_, ok = idx.entries[url]
	}
	c.s.mu.Unlock()
	if !ok {
		return CacheEntry{}, false
	}

	b, err := c.s.db.Get(entryKey(prefixEntry, c.name, url), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}

	// Access time only lives in memory until the entry is written again.
	c.s.mu.Lock()
	if idx, ok := c.s.buckets[c.name]; ok {
		if meta, ok := idx.entries[url]; ok {
			meta.LastAccess = time.Now().UnixNano()
			idx.entries[url] = meta
		}
	}
	c.s.mu.Unlock()
	return ent, true
}

func (c *Cache) Put(url string, ent CacheEntry) error {
	ent.URL = url
	return c.PutAll([]CacheEntry{ent})
}

// PutAll stores all entries atomically, keyed by their URL.
func (c *Cache) PutAll(ents []CacheEntry) error {
	now := time.Now().UnixNano()
	batch := new(leveldb.Batch)
	metas := make(map[string]entryMeta, len(ents))
	for _, ent := range ents {
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ent.URL, err)
		}
		meta := entryMeta{Size: int64(len(b)), LastAccess: now}
		mb, err := encodeGob(meta)
		if err != nil {
			return err
		}
		batch.Put(entryKey(prefixEntry, c.name, ent.URL), b)
		batch.Put(entryKey(prefixMeta, c.name, ent.URL), mb)
		metas[ent.URL] = meta
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.closed {
		return leveldb.ErrClosed
	}
	idx, ok := c.s.buckets[c.name]
	if !ok {
		return fmt.Errorf("cache %q: %w", c.name, ErrBucketNotFound)
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("put into %q: %w", c.name, err)
	}
	for url, meta := range metas {
		idx.total -= idx.entries[url].Size
		idx.entries[url] = meta
		idx.total += meta.Size
	}
	if idx.maxBytes > 0 && idx.total > idx.maxBytes {
		c.evictLocked(idx)
	}
	return nil
}

func (c *Cache) Delete(url string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	idx, ok := c.s.buckets[c.name]
	if !ok {
		return false, nil
	}
	if _, ok := idx.entries[url]; !ok {
		return false, nil
	}
	if err := c.deleteLocked(idx, url); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) deleteLocked(idx *bucketIndex, url string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(prefixEntry, c.name, url))
	batch.Delete(entryKey(prefixMeta, c.name, url))
	if err := c.s.db.Write(batch, nil); err != nil {
		return err
	}
	idx.total -= idx.entries[url].Size
	delete(idx.entries, url)
	return nil
}

// evictLocked drops the least recently used tenth of the bucket until it
// fits its limit again.
func (c *Cache) evictLocked(idx *bucketIndex) {
	for idx.total > idx.maxBytes && len(idx.entries) > 0 {
		type item struct {
			url string
			m   entryMeta
		}
		items := make([]item, 0, len(idx.entries))
		for url, m := range idx.entries {
			items = append(items, item{url, m})
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].m.LastAccess < items[j].m.LastAccess
		})
		n := len(items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			if err := c.deleteLocked(idx, items[i].url); err != nil {
				return
			}
		}
	}
}

// Keys returns the URLs stored in the bucket, sorted.
func (c *Cache) Keys() []string {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	idx, ok := c.s.buckets[c.name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(idx.entries))
	for url := range idx.entries {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) Len() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if idx, ok := c.s.buckets[c.name]; ok {
		return len(idx.entries)
	}
	return 0
}

func (c *Cache) Size() int64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if idx, ok := c.s.buckets[c.name]; ok {
		return idx.total
	}
	return 0
}

// SetLimit caps the bucket at maxBytes of encoded entries. Zero disables the
// cap.
func (c *Cache) SetLimit(maxBytes int64) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if idx, ok := c.s.buckets[c.name]; ok {
		idx.maxBytes = maxBytes
		if maxBytes > 0 && idx.total > maxBytes {
			c.evictLocked(idx)
		}
	}
}

func bucketKey(name string) []byte {
	return append(append([]byte(nil), prefixBucket...), name...)
}

func entryPrefix(prefix []byte, bucket string) []byte {
	k := make([]byte, 0, len(prefix)+len(bucket)+1)
	k = append(k, prefix...)
	k = append(k, bucket...)
	return append(k, 0)
}

func entryKey(prefix []byte, bucket, url string) []byte {
	return append(entryPrefix(prefix, bucket), url...)
}

func splitEntryKey(k []byte) (bucket, url string, ok bool) {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
