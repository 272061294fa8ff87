// Package kvadapter is the typed read/write layer over the ordered
// key-value backend (internal/kvstore): it owns the key-tag table, the
// variable-length id encoding, the on-disk version header, and buffered
// transactional writes. It corresponds to the strus project's
// DatabaseAdapter: callers above it (the Storage façade and Transaction) use
// it purely in terms of typeno/featno and never see raw keys.
package kvadapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/liliang-cn/vectorlsh/internal/kvstore"
	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
	"github.com/liliang-cn/vectorlsh/pkg/lshmodel"
)

// KeyPrefix tags the first byte of every composite key. 0x01 is reserved for
// the version record: it cannot collide with any ASCII tag below, unlike the
// 'V' spec.md's key-tag table reuses for both "version" and "vector" — see
// DESIGN.md for the reasoning.
type KeyPrefix byte

const (
	KeyVersion              KeyPrefix = 0x01
	KeyVariable             KeyPrefix = 'A'
	KeyFeatureTypePrefix    KeyPrefix = 'T'
	KeyFeatureValuePrefix   KeyPrefix = 'I'
	KeyFeatureTypeInvPrefix KeyPrefix = 't'
	KeyFeatureValueInvPrefix KeyPrefix = 'i'
	KeyFeatureVector        KeyPrefix = 'V'
	KeyFeatureSimHash       KeyPrefix = 'H'
	KeyNofVectors           KeyPrefix = 'N'
	KeyNofTypeno            KeyPrefix = 'Y'
	KeyNofFeatno            KeyPrefix = 'Z'
	KeyLshModel             KeyPrefix = 'L'
	KeyFeatureTypeRelations KeyPrefix = 'R'
)

// versionTag is the 58-byte ASCII tag prefix of the version record,
// NUL-padded to width.
const versionTag = "strus standard vector space model bin file\n\x00"
const versionTagWidth = 58
const versionFileID = 0x3ff3

// CurrentMajor/CurrentMinor are the version numbers this build writes and
// accepts. A stored major that differs, or a stored minor greater than
// CurrentMinor, aborts open with ErrUnsupportedVersion.
const (
	CurrentMajor = 1
	CurrentMinor = 0
)

func keyVariable(name string) []byte {
	return append([]byte{byte(KeyVariable)}, name...)
}
func keyType(t string) []byte {
	return append([]byte{byte(KeyFeatureTypePrefix)}, t...)
}
func keyFeature(f string) []byte {
	return append([]byte{byte(KeyFeatureValuePrefix)}, f...)
}
func keyTypeInv(typeno int64) []byte {
	id, _ := encodeID(typeno)
	return append([]byte{byte(KeyFeatureTypeInvPrefix)}, id...)
}
func keyFeatureInv(featno int64) []byte {
	id, _ := encodeID(featno)
	return append([]byte{byte(KeyFeatureValueInvPrefix)}, id...)
}
func keyVector(typeno, featno int64) []byte {
	idt, _ := encodeID(typeno)
	idf, _ := encodeID(featno)
	k := append([]byte{byte(KeyFeatureVector)}, idt...)
	return append(k, idf...)
}
func keySimHash(typeno, featno int64) []byte {
	idt, _ := encodeID(typeno)
	idf, _ := encodeID(featno)
	k := append([]byte{byte(KeyFeatureSimHash)}, idt...)
	return append(k, idf...)
}
func keyNofVectors(typeno int64) []byte {
	id, _ := encodeID(typeno)
	return append([]byte{byte(KeyNofVectors)}, id...)
}
func keyNofTypeno() []byte { return []byte{byte(KeyNofTypeno)} }
func keyNofFeatno() []byte { return []byte{byte(KeyNofFeatno)} }
func keyLshModel() []byte  { return []byte{byte(KeyLshModel)} }
func keyRelations(featno int64) []byte {
	id, _ := encodeID(featno)
	return append([]byte{byte(KeyFeatureTypeRelations)}, id...)
}
func keyVersionRecord() []byte { return []byte{byte(KeyVersion)} }

// Adapter is the typed façade over one kvstore.Store.
type Adapter struct {
	store *kvstore.Store
}

// Open wraps an already-opened kvstore.Store.
func Open(store *kvstore.Store) *Adapter {
	return &Adapter{store: store}
}

// Close releases the underlying store.
func (a *Adapter) Close() error { return a.store.Close() }

// Compact runs the backend's maintenance/compaction routine (VACUUM),
// grounded in the original DatabaseAdapter::compaction().
func (a *Adapter) Compact(ctx context.Context) error {
	_, err := a.store.DB().ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("kvadapter: compaction: %w", err)
	}
	return nil
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kvadapter: expected 8-byte counter, got %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// CheckVersion verifies the stored version record. A missing record (fresh
// store) is not an error: callers write one inside the first transaction.
func (a *Adapter) CheckVersion(ctx context.Context) error {
	v, ok, err := a.store.Get(ctx, keyVersionRecord())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if len(v) != versionTagWidth+2+2+2 {
		return fmt.Errorf("kvadapter: corrupt version record: length %d", len(v))
	}
	fileID := binary.BigEndian.Uint16(v[versionTagWidth : versionTagWidth+2])
	major := binary.BigEndian.Uint16(v[versionTagWidth+2 : versionTagWidth+4])
	minor := binary.BigEndian.Uint16(v[versionTagWidth+4 : versionTagWidth+6])
	if fileID != versionFileID {
		return fmt.Errorf("kvadapter: unrecognized file id 0x%04x: %w", fileID, errUnsupportedVersion)
	}
	if major != CurrentMajor {
		return fmt.Errorf("kvadapter: version major %d != %d: %w", major, CurrentMajor, errUnsupportedVersion)
	}
	if minor > CurrentMinor {
		return fmt.Errorf("kvadapter: version minor %d newer than supported %d: %w", minor, CurrentMinor, errUnsupportedVersion)
	}
	return nil
}

var errUnsupportedVersion = fmt.Errorf("unsupported version")

// ErrUnsupportedVersion reports whether err denotes a version mismatch.
func ErrUnsupportedVersion(err error) bool {
	return err != nil && (err == errUnsupportedVersion || bytes.Contains([]byte(err.Error()), []byte(errUnsupportedVersion.Error())))
}

func encodeVersionRecord() []byte {
	buf := make([]byte, versionTagWidth+2+2+2)
	copy(buf, versionTag)
	binary.BigEndian.PutUint16(buf[versionTagWidth:], versionFileID)
	binary.BigEndian.PutUint16(buf[versionTagWidth+2:], CurrentMajor)
	binary.BigEndian.PutUint16(buf[versionTagWidth+4:], CurrentMinor)
	return buf
}

// ReadVariable returns the opaque value stored for name.
func (a *Adapter) ReadVariable(ctx context.Context, name string) (string, bool, error) {
	v, ok, err := a.store.Get(ctx, keyVariable(name))
	return string(v), ok, err
}

// ReadVariables returns every stored (name,value) pair.
func (a *Adapter) ReadVariables(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	err := a.store.Iterate(ctx, []byte{byte(KeyVariable)}, func(kv kvstore.KV) bool {
		out[string(kv.Key[1:])] = string(kv.Value)
		return true
	})
	return out, err
}

// ReadTypes returns every registered type name.
func (a *Adapter) ReadTypes(ctx context.Context) ([]string, error) {
	var out []string
	err := a.store.Iterate(ctx, []byte{byte(KeyFeatureTypePrefix)}, func(kv kvstore.KV) bool {
		out = append(out, string(kv.Key[1:]))
		return true
	})
	return out, err
}

func (a *Adapter) readCounter(ctx context.Context, key []byte) (int64, error) {
	v, ok, err := a.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := decodeUint64(v)
	return int64(n), err
}

// ReadNofTypeno returns the total number of typenos ever assigned.
func (a *Adapter) ReadNofTypeno(ctx context.Context) (int64, error) {
	return a.readCounter(ctx, keyNofTypeno())
}

// ReadNofFeatno returns the total number of featnos ever assigned.
func (a *Adapter) ReadNofFeatno(ctx context.Context) (int64, error) {
	return a.readCounter(ctx, keyNofFeatno())
}

// ReadTypeno returns the interned id for a type name.
func (a *Adapter) ReadTypeno(ctx context.Context, t string) (int64, bool, error) {
	v, ok, err := a.store.Get(ctx, keyType(t))
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := decodeUint64(v)
	return int64(n), true, err
}

// ReadFeatno returns the interned id for a feature name.
func (a *Adapter) ReadFeatno(ctx context.Context, f string) (int64, bool, error) {
	v, ok, err := a.store.Get(ctx, keyFeature(f))
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := decodeUint64(v)
	return int64(n), true, err
}

// ReadTypeName resolves typeno back to its string.
func (a *Adapter) ReadTypeName(ctx context.Context, typeno int64) (string, bool, error) {
	v, ok, err := a.store.Get(ctx, keyTypeInv(typeno))
	return string(v), ok, err
}

// ReadFeatName resolves featno back to its string.
func (a *Adapter) ReadFeatName(ctx context.Context, featno int64) (string, bool, error) {
	v, ok, err := a.store.Get(ctx, keyFeatureInv(featno))
	return string(v), ok, err
}

// ReadFeatureTypeRelations returns every typeno under which featno has a
// defined vector.
func (a *Adapter) ReadFeatureTypeRelations(ctx context.Context, featno int64) ([]int64, error) {
	v, ok, err := a.store.Get(ctx, keyRelations(featno))
	if err != nil || !ok {
		return nil, err
	}
	return decodeIDList(v)
}

// ReadNofVectors returns the number of vectors defined for typeno.
func (a *Adapter) ReadNofVectors(ctx context.Context, typeno int64) (int64, error) {
	return a.readCounter(ctx, keyNofVectors(typeno))
}

func encodeFloats(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("kvadapter: vector byte length %d not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8 : i*8+8]))
	}
	return out, nil
}

// ReadVector returns the stored real vector for (typeno, featno).
func (a *Adapter) ReadVector(ctx context.Context, typeno, featno int64) ([]float64, bool, error) {
	v, ok, err := a.store.Get(ctx, keyVector(typeno, featno))
	if err != nil || !ok {
		return nil, ok, err
	}
	vec, err := decodeFloats(v)
	return vec, true, err
}

// ReadSimHash returns the stored BitSignature for (typeno, featno).
func (a *Adapter) ReadSimHash(ctx context.Context, typeno, featno int64) (bitsig.BitSignature, bool, error) {
	v, ok, err := a.store.Get(ctx, keySimHash(typeno, featno))
	if err != nil || !ok {
		return bitsig.BitSignature{}, ok, err
	}
	sig, err := bitsig.Deserialize(bytes.NewReader(v))
	sig.ID = featno
	return sig, true, err
}

// ReadSimHashVector returns every stored signature for typeno, in the order
// SignatureIndex builds its resident bench columns from.
func (a *Adapter) ReadSimHashVector(ctx context.Context, typeno int64) ([]bitsig.BitSignature, error) {
	idt, _ := encodeID(typeno)
	prefix := append([]byte{byte(KeyFeatureSimHash)}, idt...)
	var out []bitsig.BitSignature
	err := a.store.Iterate(ctx, prefix, func(kv kvstore.KV) bool {
		featno, _, derr := decodeID(kv.Key[len(prefix):])
		if derr != nil {
			return false
		}
		sig, derr := bitsig.Deserialize(bytes.NewReader(kv.Value))
		if derr != nil {
			return false
		}
		sig.ID = featno
		out = append(out, sig)
		return true
	})
	return out, err
}

// ReadLshModel loads the storage-wide LshModel.
func (a *Adapter) ReadLshModel(ctx context.Context) (*lshmodel.Model, bool, error) {
	v, ok, err := a.store.Get(ctx, keyLshModel())
	if err != nil || !ok {
		return nil, ok, err
	}
	m, err := lshmodel.Deserialize(bytes.NewReader(v))
	return m, true, err
}

func encodeIDList(ids []int64) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		b, _ := encodeID(id)
		buf.Write(b)
	}
	return buf.Bytes()
}

func decodeIDList(buf []byte) ([]int64, error) {
	var out []int64
	for len(buf) > 0 {
		id, n, err := decodeID(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
		buf = buf[n:]
	}
	return out, nil
}

// FeatureCursor walks feature-name keys (tag 'I') in lexicographic order,
// grounded on DatabaseAdapter::FeatureCursor, and backs
// Storage.CreateFeatureValueIterator.
type FeatureCursor struct {
	ctx    context.Context
	store  *kvstore.Store
	cursor []byte // next key to resume from (exclusive)
	done   bool
}

// NewFeatureCursor returns a cursor positioned before the first feature key.
func (a *Adapter) NewFeatureCursor(ctx context.Context) *FeatureCursor {
	return &FeatureCursor{ctx: ctx, store: a.store}
}

// LoadFirst repositions the cursor at the very first feature key.
func (c *FeatureCursor) LoadFirst() (string, bool, error) {
	c.cursor = nil
	c.done = false
	return c.LoadNext()
}

// LoadNext returns the next feature name in order, or ("",false,nil) when
// exhausted.
func (c *FeatureCursor) LoadNext() (string, bool, error) {
	if c.done {
		return "", false, nil
	}
	prefix := []byte{byte(KeyFeatureValuePrefix)}
	start := append(append([]byte{}, prefix...), c.cursor...)
	var found string
	var ok bool
	err := c.store.Iterate(c.ctx, prefix, func(kv kvstore.KV) bool {
		if c.cursor != nil && bytes.Compare(kv.Key, start) <= 0 {
			return true
		}
		found = string(kv.Key[1:])
		ok = true
		return false
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		c.done = true
		return "", false, nil
	}
	c.cursor = []byte(found)
	return found, true, nil
}

// Skip repositions the cursor to resume just after key.
func (c *FeatureCursor) Skip(key string) {
	c.cursor = []byte(key)
	c.done = false
}

// SkipPrefix repositions the cursor to the first feature key with the given
// prefix.
func (c *FeatureCursor) SkipPrefix(prefix string) (string, bool, error) {
	key := []byte{byte(KeyFeatureValuePrefix)}
	key = append(key, prefix...)
	var found string
	var ok bool
	err := c.store.Iterate(c.ctx, key, func(kv kvstore.KV) bool {
		found = string(kv.Key[1:])
		ok = true
		return false
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		c.done = true
		return "", false, nil
	}
	c.cursor = []byte(found)
	c.done = false
	return found, true, nil
}

// DumpRecord is one key/value pair produced by a DumpIterator.
type DumpRecord struct {
	Tag   KeyPrefix
	Key   []byte
	Value []byte
}

// DumpIterator walks every stored record in tag order, for backup/debugging
// use. Grounded on DatabaseAdapter::DumpIterator.
type DumpIterator struct {
	ctx   context.Context
	store *kvstore.Store
	last  []byte
	done  bool
}

// NewDumpIterator returns an iterator positioned before the first record.
func (a *Adapter) NewDumpIterator(ctx context.Context) *DumpIterator {
	return &DumpIterator{ctx: ctx, store: a.store}
}

// Next returns the next record in key order, or (nil,false,nil) when done.
func (d *DumpIterator) Next() (*DumpRecord, bool, error) {
	if d.done {
		return nil, false, nil
	}
	var rec *DumpRecord
	err := d.store.Iterate(d.ctx, nil, func(kv kvstore.KV) bool {
		if d.last != nil && bytes.Compare(kv.Key, d.last) <= 0 {
			return true
		}
		rec = &DumpRecord{Tag: KeyPrefix(kv.Key[0]), Key: bytes.Clone(kv.Key), Value: bytes.Clone(kv.Value)}
		return false
	})
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		d.done = true
		return nil, false, nil
	}
	d.last = rec.Key
	return rec, true, nil
}

// Transaction buffers writes against the underlying kvstore and applies or
// discards them atomically. It mirrors DatabaseAdapter::Transaction; the
// higher-level id-interning commit algorithm lives in the root package's
// Transaction, which composes these primitive writes.
type Transaction struct {
	tx *kvstore.Tx
}

// BeginTransaction starts a new buffered transaction.
func (a *Adapter) BeginTransaction(ctx context.Context) (*Transaction, error) {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx}, nil
}

func (t *Transaction) put(ctx context.Context, key, value []byte) error {
	return t.tx.Put(ctx, key, value)
}

// WriteVersion buffers the version record write, used once at store creation.
func (t *Transaction) WriteVersion(ctx context.Context) error {
	return t.put(ctx, keyVersionRecord(), encodeVersionRecord())
}

// WriteVariable buffers an opaque variable write.
func (t *Transaction) WriteVariable(ctx context.Context, name, value string) error {
	return t.put(ctx, keyVariable(name), []byte(value))
}

// WriteType buffers the forward and inverse type-interning records.
func (t *Transaction) WriteType(ctx context.Context, typeStr string, typeno int64) error {
	if err := t.put(ctx, keyType(typeStr), encodeUint64(uint64(typeno))); err != nil {
		return err
	}
	return t.put(ctx, keyTypeInv(typeno), []byte(typeStr))
}

// WriteFeature buffers the forward and inverse feature-interning records.
func (t *Transaction) WriteFeature(ctx context.Context, featStr string, featno int64) error {
	if err := t.put(ctx, keyFeature(featStr), encodeUint64(uint64(featno))); err != nil {
		return err
	}
	return t.put(ctx, keyFeatureInv(featno), []byte(featStr))
}

// WriteFeatureTypeRelations buffers the set of typenos featno has a vector
// under.
func (t *Transaction) WriteFeatureTypeRelations(ctx context.Context, featno int64, typenos []int64) error {
	return t.put(ctx, keyRelations(featno), encodeIDList(typenos))
}

// WriteNofTypeno buffers the updated total-typeno counter.
func (t *Transaction) WriteNofTypeno(ctx context.Context, n int64) error {
	return t.put(ctx, keyNofTypeno(), encodeUint64(uint64(n)))
}

// WriteNofFeatno buffers the updated total-featno counter.
func (t *Transaction) WriteNofFeatno(ctx context.Context, n int64) error {
	return t.put(ctx, keyNofFeatno(), encodeUint64(uint64(n)))
}

// WriteNofVectors buffers the updated per-type vector count.
func (t *Transaction) WriteNofVectors(ctx context.Context, typeno, n int64) error {
	return t.put(ctx, keyNofVectors(typeno), encodeUint64(uint64(n)))
}

// WriteVector buffers a (typeno,featno) real-vector record.
func (t *Transaction) WriteVector(ctx context.Context, typeno, featno int64, vec []float64) error {
	return t.put(ctx, keyVector(typeno, featno), encodeFloats(vec))
}

// WriteSimHash buffers a (typeno,featno) signature record.
func (t *Transaction) WriteSimHash(ctx context.Context, typeno, featno int64, sig bitsig.BitSignature) error {
	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return err
	}
	return t.put(ctx, keySimHash(typeno, featno), buf.Bytes())
}

// WriteLshModel buffers the storage-wide model record.
func (t *Transaction) WriteLshModel(ctx context.Context, m *lshmodel.Model) error {
	var buf bytes.Buffer
	if err := m.Serialize(&buf); err != nil {
		return err
	}
	return t.put(ctx, keyLshModel(), buf.Bytes())
}

// Commit applies every buffered write atomically.
func (t *Transaction) Commit() error { return t.tx.Commit() }

// Rollback discards every buffered write.
func (t *Transaction) Rollback() error { return t.tx.Rollback() }
