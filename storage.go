package vectorlsh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/liliang-cn/vectorlsh/internal/kvstore"
	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
	"github.com/liliang-cn/vectorlsh/pkg/kvadapter"
	"github.com/liliang-cn/vectorlsh/pkg/lshmodel"
	"github.com/liliang-cn/vectorlsh/pkg/ranklist"
	"github.com/liliang-cn/vectorlsh/pkg/sigindex"
)

// defaultBenches is the number of SignatureBench word-stripes a freshly
// built SignatureIndex stacks, satisfying the B/4 >= k invariant for the
// smallest supported B (64).
const defaultBenches = 4

// Result is one ranked match returned by FindSimilar: the feature name and
// its public similarity weight in [0,1].
type Result struct {
	Name   string
	Weight float64
}

// Storage is the public client façade: vector/signature lookup, similarity
// search, type enumeration, and iterators, over one LSH-backed store.
type Storage struct {
	adapter *kvadapter.Adapter
	model   *lshmodel.Model
	cfg     Config
	logger  Logger

	txMu sync.Mutex // serializes transactions storage-wide (§5)

	idxMu sync.Mutex // guards both lookups and copy-on-write replacement of idx
	idx   map[int64]*sigindex.Index

	memTypesWarnOnce sync.Once

	errMu   sync.Mutex
	lastErr error
}

// Open creates a fresh store or reopens an existing one at cfg.Path,
// building a new LshModel from cfg.VecDim/Bits/Variations on first use and
// reloading the persisted model on every subsequent open.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}

	kv, err := kvstore.Open(ctx, cfg.Path)
	if err != nil {
		return nil, wrapError("Open", fmt.Errorf("%w: %v", ErrTransientIO, err))
	}
	adapter := kvadapter.Open(kv)

	if err := adapter.CheckVersion(ctx); err != nil {
		adapter.Close()
		if kvadapter.ErrUnsupportedVersion(err) {
			return nil, wrapError("Open", fmt.Errorf("%w: %v", ErrUnsupportedVersion, err))
		}
		return nil, wrapError("Open", err)
	}

	model, ok, err := adapter.ReadLshModel(ctx)
	if err != nil {
		adapter.Close()
		return nil, wrapError("Open", err)
	}
	if !ok {
		model, err = buildAndPersistModel(ctx, adapter, cfg)
		if err != nil {
			adapter.Close()
			return nil, wrapError("Open", err)
		}
		logger.Info("built new lsh model", "dim", cfg.VecDim, "bits", cfg.Bits, "variations", cfg.Variations)
	}

	return &Storage{
		adapter: adapter,
		model:   model,
		cfg:     cfg,
		logger:  logger,
		idx:     make(map[int64]*sigindex.Index),
	}, nil
}

func buildAndPersistModel(ctx context.Context, adapter *kvadapter.Adapter, cfg Config) (*lshmodel.Model, error) {
	var seedBytes [8]byte
	if _, err := rand.Read(seedBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: generating model seed: %v", ErrTransientIO, err)
	}
	seed := binary.BigEndian.Uint64(seedBytes[:])

	model, err := lshmodel.New(cfg.VecDim, cfg.Bits, cfg.Variations, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	tx, err := adapter.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	if err := tx.WriteVersion(ctx); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WriteLshModel(ctx, model); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WriteNofTypeno(ctx, 0); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WriteNofFeatno(ctx, 0); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing new model: %v", ErrTransientIO, err)
	}
	return model, nil
}

// Close releases the underlying store.
func (s *Storage) Close() error {
	return wrapError("Close", s.adapter.Close())
}

// Compact runs the backend's maintenance/compaction routine.
func (s *Storage) Compact(ctx context.Context) error {
	return wrapError("Compact", s.adapter.Compact(ctx))
}

// LastError returns the error recorded by the most recent operation that
// returned a neutral value on failure, per the façade's error-buffer policy.
func (s *Storage) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Storage) setLastError(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// isMemResident reports whether typeName is listed in cfg.MemTypes.
func (s *Storage) isMemResident(typeName string) bool {
	for _, t := range s.cfg.MemTypes {
		if t == typeName {
			return true
		}
	}
	return false
}

// warnUnknownMemTypes logs a warning, once per Storage lifetime, for every
// cfg.MemTypes entry that names no feature type present in the store. Per
// spec.md §9, a conforming implementation silently ignores such names rather
// than failing, but it must still log the mismatch.
func (s *Storage) warnUnknownMemTypes(ctx context.Context) {
	s.memTypesWarnOnce.Do(func() {
		if len(s.cfg.MemTypes) == 0 {
			return
		}
		known, err := s.adapter.ReadTypes(ctx)
		if err != nil {
			return
		}
		knownSet := make(map[string]bool, len(known))
		for _, t := range known {
			knownSet[t] = true
		}
		for _, name := range s.cfg.MemTypes {
			if !knownSet[name] {
				s.logger.Warn("memtypes entry does not match any known feature type", "type", name)
			}
		}
	})
}

// adapterReader implements sigindex.Reader by re-fetching a signature
// through the KeyValueAdapter on every refinement lookup, used for types
// that are not configured to load fully memory-resident.
type adapterReader struct {
	adapter *kvadapter.Adapter
	typeno  int64
}

func (r adapterReader) Load(ctx context.Context, featno int64) (bitsig.BitSignature, error) {
	sig, ok, err := r.adapter.ReadSimHash(ctx, r.typeno, featno)
	if err != nil {
		return bitsig.BitSignature{}, err
	}
	if !ok {
		return bitsig.BitSignature{}, fmt.Errorf("%w: signature for featno %d not found", ErrNotFound, featno)
	}
	return sig, nil
}

func (s *Storage) buildIndex(ctx context.Context, typeno int64, typeName string) (*sigindex.Index, error) {
	sigs, err := s.adapter.ReadSimHashVector(ctx, typeno)
	if err != nil {
		return nil, err
	}
	if s.isMemResident(typeName) {
		return sigindex.BuildResident(typeno, sigs, defaultBenches)
	}
	return sigindex.BuildDatabaseBacked(typeno, sigs, defaultBenches, adapterReader{adapter: s.adapter, typeno: typeno})
}

// getIndex returns the cached SignatureIndex for typeno, building and
// publishing it under the copy-on-write map discipline of §4.8/§9 if absent.
// A snapshot of the map is read once under idxMu; replacing it on a cache
// miss clones the whole map so concurrent readers of the old map are
// unaffected.
func (s *Storage) getIndex(ctx context.Context, typeno int64, typeName string) (*sigindex.Index, error) {
	s.warnUnknownMemTypes(ctx)

	s.idxMu.Lock()
	if idx, ok := s.idx[typeno]; ok {
		s.idxMu.Unlock()
		return idx, nil
	}
	s.idxMu.Unlock()

	idx, err := s.buildIndex(ctx, typeno, typeName)
	if err != nil {
		return nil, err
	}

	s.idxMu.Lock()
	next := make(map[int64]*sigindex.Index, len(s.idx)+1)
	for k, v := range s.idx {
		next[k] = v
	}
	next[typeno] = idx
	s.idx = next
	s.idxMu.Unlock()
	return idx, nil
}

// invalidate drops the cached SignatureIndex for each typeno in typenos,
// cloning-and-replacing the map so existing readers keep their snapshot.
func (s *Storage) invalidate(typenos []int64) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	next := make(map[int64]*sigindex.Index, len(s.idx))
	for k, v := range s.idx {
		next[k] = v
	}
	for _, t := range typenos {
		delete(next, t)
	}
	s.idx = next
}

// PrepareSearch builds/loads the SignatureIndex for typeName eagerly, so the
// first FindSimilar call against it does not pay the load cost.
func (s *Storage) PrepareSearch(ctx context.Context, typeName string) error {
	typeno, ok, err := s.adapter.ReadTypeno(ctx, typeName)
	if err != nil {
		return wrapError("PrepareSearch", err)
	}
	if !ok {
		return wrapError("PrepareSearch", fmt.Errorf("%w: type %q", ErrNotFound, typeName))
	}
	_, err = s.getIndex(ctx, typeno, typeName)
	return wrapError("PrepareSearch", err)
}

// Normalize returns v scaled to unit L2 norm. A zero-length input is
// returned unchanged (there is no unit vector in its direction).
func (s *Storage) Normalize(v []float64) []float64 {
	return normalizeVec(v)
}

func normalizeVec(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		out := make([]float64, len(v))
		copy(out, v)
		return out
	}
	scale := 1 / math.Sqrt(sumSq)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * scale
	}
	return out
}

// VectorSimilarity returns the cosine similarity of v1 and v2, in [-1,1], or
// NaN if either vector has zero length.
func (s *Storage) VectorSimilarity(v1, v2 []float64) float64 {
	return cosineSimilarity(v1, v2)
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, x := range a {
		na += x * x
	}
	for _, x := range b {
		nb += x * x
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Types returns every registered feature type.
func (s *Storage) Types(ctx context.Context) ([]string, error) {
	types, err := s.adapter.ReadTypes(ctx)
	return types, wrapError("Types", err)
}

// NofVectors returns the number of vectors defined for typeName.
func (s *Storage) NofVectors(ctx context.Context, typeName string) (int64, error) {
	typeno, ok, err := s.adapter.ReadTypeno(ctx, typeName)
	if err != nil {
		return 0, wrapError("NofVectors", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := s.adapter.ReadNofVectors(ctx, typeno)
	return n, wrapError("NofVectors", err)
}

// FeatureTypes returns every type under which value has a defined vector.
func (s *Storage) FeatureTypes(ctx context.Context, value string) ([]string, error) {
	featno, ok, err := s.adapter.ReadFeatno(ctx, value)
	if err != nil {
		return nil, wrapError("FeatureTypes", err)
	}
	if !ok {
		return nil, nil
	}
	typenos, err := s.adapter.ReadFeatureTypeRelations(ctx, featno)
	if err != nil {
		return nil, wrapError("FeatureTypes", err)
	}
	out := make([]string, 0, len(typenos))
	for _, t := range typenos {
		name, ok, err := s.adapter.ReadTypeName(ctx, t)
		if err != nil {
			return nil, wrapError("FeatureTypes", err)
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// FeatureVector returns the stored real vector for (typeName, value).
func (s *Storage) FeatureVector(ctx context.Context, typeName, value string) ([]float64, error) {
	typeno, ok, err := s.adapter.ReadTypeno(ctx, typeName)
	if err != nil {
		return nil, wrapError("FeatureVector", err)
	}
	if !ok {
		return nil, wrapError("FeatureVector", fmt.Errorf("%w: type %q", ErrNotFound, typeName))
	}
	featno, ok, err := s.adapter.ReadFeatno(ctx, value)
	if err != nil {
		return nil, wrapError("FeatureVector", err)
	}
	if !ok {
		return nil, wrapError("FeatureVector", fmt.Errorf("%w: feature %q", ErrNotFound, value))
	}
	vec, ok, err := s.adapter.ReadVector(ctx, typeno, featno)
	if err != nil {
		return nil, wrapError("FeatureVector", err)
	}
	if !ok {
		return nil, wrapError("FeatureVector", fmt.Errorf("%w: vector for (%q,%q)", ErrNotFound, typeName, value))
	}
	return vec, nil
}

// FindSimilar returns up to k features of typeName whose vector is most
// similar to v, restricted to similarity >= minSim. On an unknown type it
// returns an empty list, not an error. On a bad K/minSim/dimension it
// returns an empty list and records ErrInvalidArgument in LastError.
func (s *Storage) FindSimilar(ctx context.Context, typeName string, v []float64, k int, minSim float64, realWeights bool) []Result {
	results, err := s.findSimilar(ctx, typeName, v, k, minSim, realWeights)
	if err != nil {
		s.setLastError(err)
		return nil
	}
	return results
}

func (s *Storage) findSimilar(ctx context.Context, typeName string, v []float64, k int, minSim float64, realWeights bool) ([]Result, error) {
	if minSim < 0 || minSim > 1 {
		return nil, wrapError("FindSimilar", fmt.Errorf("%w: minSim %v not in [0,1]", ErrInvalidArgument, minSim))
	}
	if k <= 0 || k > ranklist.MaxSize {
		return nil, wrapError("FindSimilar", fmt.Errorf("%w: K %d not in (0,%d]", ErrInvalidArgument, k, ranklist.MaxSize))
	}
	if len(v) != s.model.D {
		return nil, wrapError("FindSimilar", fmt.Errorf("%w: vector dimension %d != model dimension %d", ErrInvalidArgument, len(v), s.model.D))
	}

	typeno, ok, err := s.adapter.ReadTypeno(ctx, typeName)
	if err != nil {
		return nil, wrapError("FindSimilar", err)
	}
	if !ok {
		return nil, nil // unknown type: empty result, not an error
	}

	totalBits := s.model.B * s.model.V
	simdist := s.cfg.SimDist
	if simdist < 0 {
		simdist = ranklist.DistFromWeight(minSim, totalBits)
	}
	probsimdist := s.cfg.ProbSimDist
	if probsimdist < 0 {
		probsimdist = simdist * 2
	}
	if probsimdist > totalBits {
		probsimdist = totalBits
	}
	if probsimdist < simdist {
		probsimdist = simdist
	}

	needle, err := s.model.SimHash(normalizeVec(v), 0)
	if err != nil {
		return nil, wrapError("FindSimilar", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	idx, err := s.getIndex(ctx, typeno, typeName)
	if err != nil {
		return nil, wrapError("FindSimilar", err)
	}

	fetchK := k
	if realWeights {
		fetchK = 2*k + 10
		if fetchK > ranklist.MaxSize {
			fetchK = ranklist.MaxSize
		}
	}

	hits, err := idx.FindSimilar(ctx, needle, simdist, probsimdist, fetchK)
	if err != nil {
		return nil, wrapError("FindSimilar", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		name, ok, err := s.adapter.ReadFeatName(ctx, h.Featno)
		if err != nil {
			return nil, wrapError("FindSimilar", err)
		}
		if !ok {
			continue
		}
		weight := h.Weight
		if realWeights {
			vec, ok, err := s.adapter.ReadVector(ctx, typeno, h.Featno)
			if err != nil {
				return nil, wrapError("FindSimilar", err)
			}
			if ok {
				weight = cosineSimilarity(normalizeVec(v), vec)
			}
		}
		results = append(results, Result{Name: name, Weight: weight})
	}

	sortResultsDesc(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func sortResultsDesc(r []Result) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j].Weight > r[j-1].Weight; j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}

// FeatureIterator is a lazy, restartable iterator over every registered
// feature-value key. Each Next reads a single key from the store; keys are
// not prefetched in chunks.
type FeatureIterator struct {
	cursor  *kvadapter.FeatureCursor
	started bool
}

// CreateFeatureValueIterator returns an iterator positioned before the first
// feature key.
func (s *Storage) CreateFeatureValueIterator(ctx context.Context) *FeatureIterator {
	return &FeatureIterator{cursor: s.adapter.NewFeatureCursor(ctx)}
}

// Next returns the next feature name in order, or ("",false,nil) when exhausted.
func (it *FeatureIterator) Next() (string, bool, error) {
	if !it.started {
		it.started = true
		return it.cursor.LoadFirst()
	}
	return it.cursor.LoadNext()
}

// Skip repositions the iterator to resume just after key.
func (it *FeatureIterator) Skip(key string) {
	it.started = true
	it.cursor.Skip(key)
}

// SkipPrefix repositions the iterator to the first feature key with prefix.
func (it *FeatureIterator) SkipPrefix(prefix string) (string, bool, error) {
	it.started = true
	return it.cursor.SkipPrefix(prefix)
}

// CreateDumpIterator returns a backup/debugging iterator over every stored
// record, supplementing the core spec with original_source/'s dump facility.
func (s *Storage) CreateDumpIterator(ctx context.Context) *kvadapter.DumpIterator {
	return s.adapter.NewDumpIterator(ctx)
}
