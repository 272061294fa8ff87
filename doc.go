// Package vectorlsh is a vector storage and approximate nearest-neighbor
// search engine built on Locality-Sensitive Hashing. Real-valued feature
// vectors are mapped to fixed-width bit-signatures (pkg/bitsig) through a
// deterministic random-projection model (pkg/lshmodel); similarity queries
// are answered by cascading a probabilistic candidate filter (pkg/bench)
// into exact Hamming refinement collected by a bounded top-K list
// (pkg/ranklist), orchestrated per feature type by pkg/sigindex. Storage and
// Transaction, defined in this package, are the public client façade over a
// SQLite-backed ordered key-value store (pkg/kvadapter, internal/kvstore).
package vectorlsh
