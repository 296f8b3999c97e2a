/*
Package mst provides an immutable, versioned, diffable map from string
keys to content identifiers (CIDs), implemented as a Merkle Search Tree
(MST). Trees are stored as content-addressed blocks in any Blockstore,
and two trees holding the same entries always have the same root CID,
whatever order the entries were written in.

What are MSTs

MSTs are described in "Merkle Search Trees: Efficient State-Based CRDTs
in Open Networks", by Alex Auvolat and François Taïani, 2019
(https://hal.inria.fr/hal-02303490/document).

An entry's layer (distance to the leaves) is the number of leading zero
base-fanout digits of its key's hash. A node at height h holds exactly
the keys of its range whose layer is h; the gaps between them link to
nodes at height h-1. The root sits at the tree's maximum layer, and a
gap whose keys all live further down is bridged by a node with no keys
and a single link. No rebalancing is ever needed, so the structure is
canonical.

Equal node CIDs mean equal subtrees, so Diff only descends where two
trees differ.

Concurrency

A Tree is not safe for concurrent mutation. Clone makes an independent
version that shares all unmodified nodes with its parent; loaded nodes
are never mutated, so a NodeCache can be shared by any number of trees
with the same fanout and key hash.
*/
package mst
