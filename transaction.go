package vectorlsh

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/liliang-cn/vectorlsh/pkg/kvadapter"
)

// pendingVector is one not-yet-committed (type,name,vector) definition.
type pendingVector struct {
	typeName string
	featName string
	vector   []float64
}

// Transaction accumulates type/feature/vector definitions and applies them
// atomically on Commit, interning any new type or feature names into dense
// ids as part of the commit algorithm of spec.md §4.9.
type Transaction struct {
	id      uuid.UUID
	storage *Storage

	pendingTypes   []string // defineFeatureType with no vector yet
	pendingFeats   []string // defineFeature with no vector yet
	pendingVectors []pendingVector
}

// CreateTransaction opens a new Transaction against the store.
func (s *Storage) CreateTransaction(ctx context.Context) (*Transaction, error) {
	if err := s.adapter.CheckVersion(ctx); err != nil {
		if kvadapter.ErrUnsupportedVersion(err) {
			return nil, wrapError("CreateTransaction", fmt.Errorf("%w: %v", ErrUnsupportedVersion, err))
		}
		return nil, wrapError("CreateTransaction", err)
	}
	return &Transaction{id: uuid.New(), storage: s}, nil
}

// DefineFeatureType registers t as a known type even if no vector is ever
// defined under it.
func (tx *Transaction) DefineFeatureType(t string) {
	tx.pendingTypes = append(tx.pendingTypes, t)
}

// DefineFeature registers name as a known feature even if no vector is ever
// defined for it.
func (tx *Transaction) DefineFeature(name string) {
	tx.pendingFeats = append(tx.pendingFeats, name)
}

// DefineVector buffers a (type, name, vector) triple for commit.
func (tx *Transaction) DefineVector(typeName, name string, vector []float64) error {
	if len(tx.pendingVectors) >= tx.storage.cfg.MaxFeatures {
		return wrapError("DefineVector", fmt.Errorf("%w: transaction buffer exceeds maxfeatures=%d", ErrOutOfMemory, tx.storage.cfg.MaxFeatures))
	}
	tx.pendingVectors = append(tx.pendingVectors, pendingVector{typeName: typeName, featName: name, vector: vector})
	return nil
}

// Clear discards every buffered definition without affecting the store.
func (tx *Transaction) Clear() {
	tx.pendingTypes = nil
	tx.pendingFeats = nil
	tx.pendingVectors = nil
}

// Rollback discards all buffers; the Transaction remains usable afterwards.
func (tx *Transaction) Rollback() {
	tx.storage.logger.Debug("transaction rolled back", "txn", tx.id, "pending_vectors", len(tx.pendingVectors))
	tx.Clear()
}

// Commit applies the commit algorithm of spec.md §4.9 under the storage-wide
// transaction mutex: it interns any new type/feature names, writes vector
// and signature records, updates per-type and per-feature counters and
// relations, invalidates affected SignatureIndex caches, and commits the
// underlying key-value transaction. A failed commit returns false and
// leaves the Transaction's buffers intact for a retry.
func (tx *Transaction) Commit(ctx context.Context) (bool, error) {
	s := tx.storage
	s.txMu.Lock()
	defer s.txMu.Unlock()

	adapter := s.adapter
	kvtx, err := adapter.BeginTransaction(ctx)
	if err != nil {
		return false, wrapError("Commit", fmt.Errorf("%w: %v", ErrTransientIO, err))
	}

	noftypeno, err := adapter.ReadNofTypeno(ctx)
	if err != nil {
		kvtx.Rollback()
		return false, wrapError("Commit", err)
	}
	noffeatno, err := adapter.ReadNofFeatno(ctx)
	if err != nil {
		kvtx.Rollback()
		return false, wrapError("Commit", err)
	}

	typeIDs := map[string]int64{}
	referencedTypes := append(append([]string{}, tx.pendingTypes...), vectorTypeNames(tx.pendingVectors)...)
	for _, name := range referencedTypes {
		if _, ok := typeIDs[name]; ok {
			continue
		}
		id, ok, err := adapter.ReadTypeno(ctx, name)
		if err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
		if !ok {
			noftypeno++
			id = noftypeno
			if err := kvtx.WriteType(ctx, name, id); err != nil {
				kvtx.Rollback()
				return false, wrapError("Commit", err)
			}
		}
		typeIDs[name] = id
	}

	featIDs := map[string]int64{}
	referencedFeats := append(append([]string{}, tx.pendingFeats...), vectorFeatNames(tx.pendingVectors)...)
	for _, name := range referencedFeats {
		if _, ok := featIDs[name]; ok {
			continue
		}
		id, ok, err := adapter.ReadFeatno(ctx, name)
		if err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
		if !ok {
			noffeatno++
			id = noffeatno
			if err := kvtx.WriteFeature(ctx, name, id); err != nil {
				kvtx.Rollback()
				return false, wrapError("Commit", err)
			}
		}
		featIDs[name] = id
	}

	newVectorsPerType := map[int64]int64{}
	newTypesPerFeat := map[int64][]int64{}
	affectedTypes := map[int64]bool{}

	for _, pv := range tx.pendingVectors {
		typeno := typeIDs[pv.typeName]
		featno := featIDs[pv.featName]

		sig, err := s.model.SimHash(normalizeVec(pv.vector), featno)
		if err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
		}
		if err := kvtx.WriteVector(ctx, typeno, featno, pv.vector); err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
		if err := kvtx.WriteSimHash(ctx, typeno, featno, sig); err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}

		newVectorsPerType[typeno]++
		newTypesPerFeat[featno] = append(newTypesPerFeat[featno], typeno)
		affectedTypes[typeno] = true
	}

	for typeno, added := range newVectorsPerType {
		cur, err := adapter.ReadNofVectors(ctx, typeno)
		if err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
		if err := kvtx.WriteNofVectors(ctx, typeno, cur+added); err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
	}

	for featno, added := range newTypesPerFeat {
		existing, err := adapter.ReadFeatureTypeRelations(ctx, featno)
		if err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
		merged := mergeTypeIDs(existing, added)
		if err := kvtx.WriteFeatureTypeRelations(ctx, featno, merged); err != nil {
			kvtx.Rollback()
			return false, wrapError("Commit", err)
		}
	}

	if err := kvtx.WriteNofTypeno(ctx, noftypeno); err != nil {
		kvtx.Rollback()
		return false, wrapError("Commit", err)
	}
	if err := kvtx.WriteNofFeatno(ctx, noffeatno); err != nil {
		kvtx.Rollback()
		return false, wrapError("Commit", err)
	}

	affected := make([]int64, 0, len(affectedTypes))
	for t := range affectedTypes {
		affected = append(affected, t)
	}
	s.invalidate(affected)

	if err := kvtx.Commit(); err != nil {
		return false, wrapError("Commit", fmt.Errorf("%w: %v", ErrConflict, err))
	}

	s.logger.Debug("transaction committed", "txn", tx.id, "vectors", len(tx.pendingVectors), "types_affected", len(affected))
	tx.Clear()
	return true, nil
}

func vectorTypeNames(pv []pendingVector) []string {
	out := make([]string, len(pv))
	for i, v := range pv {
		out[i] = v.typeName
	}
	return out
}

func vectorFeatNames(pv []pendingVector) []string {
	out := make([]string, len(pv))
	for i, v := range pv {
		out[i] = v.featName
	}
	return out
}

func mergeTypeIDs(existing, added []int64) []int64 {
	seen := make(map[int64]bool, len(existing)+len(added))
	out := make([]int64, 0, len(existing)+len(added))
	for _, id := range existing {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range added {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
