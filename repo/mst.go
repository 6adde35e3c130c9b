// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"crypto/sha256"
	"fmt"
	"math/bits"

	"github.com/bureau-foundation/atmirror/lib/car"
	"github.com/bureau-foundation/atmirror/lib/cid"
	"github.com/bureau-foundation/atmirror/lib/codec"
)

// treeNode is one Merkle Search Tree node. Left points at the subtree
// holding keys before the first entry.
type treeNode struct {
	Left    *cid.CID    `cbor:"l"`
	Entries []treeEntry `cbor:"e"`
}

// treeEntry holds one key, compressed against the previous key in the
// same node: the first PrefixLength bytes are shared and KeySuffix is
// the remainder. Tree points at the subtree of keys between this entry
// and the next.
type treeEntry struct {
	PrefixLength int      `cbor:"p"`
	KeySuffix    []byte   `cbor:"k"`
	Value        cid.CID  `cbor:"v"`
	Tree         *cid.CID `cbor:"t"`
}

// maxTreeDepth bounds recursion. A tree with fanout 4 reaches 32
// levels only at 2^64 keys, so anything deeper is corrupt.
const maxTreeDepth = 32

// walkTree visits every leaf of the tree rooted at root in key order.
// A missing or undecodable node, a bad prefix, or keys out of order
// make the archive malformed.
func walkTree(archive *car.Archive, root cid.CID, visit func(key string, value cid.CID)) error {
	walker := &treeWalker{archive: archive, visit: visit, seen: make(map[cid.CID]bool)}
	return walker.walk(root, 0)
}

type treeWalker struct {
	archive *car.Archive
	visit   func(key string, value cid.CID)
	seen    map[cid.CID]bool
	lastKey string
}

func (w *treeWalker) walk(nodeCID cid.CID, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("%w: tree deeper than %d levels", ErrMalformedArchive, maxTreeDepth)
	}
	if w.seen[nodeCID] {
		return fmt.Errorf("%w: tree node %s referenced twice", ErrMalformedArchive, nodeCID)
	}
	w.seen[nodeCID] = true

	block, ok := w.archive.Get(nodeCID)
	if !ok {
		return fmt.Errorf("%w: tree node %s missing", ErrMalformedArchive, nodeCID)
	}
	var node treeNode
	if err := codec.Unmarshal(block, &node); err != nil {
		return fmt.Errorf("%w: decoding tree node %s: %w", ErrMalformedArchive, nodeCID, err)
	}

	if node.Left != nil && !node.Left.IsZero() {
		if err := w.walk(*node.Left, depth+1); err != nil {
			return err
		}
	}

	var previous []byte
	for index, entry := range node.Entries {
		if entry.PrefixLength < 0 || entry.PrefixLength > len(previous) {
			return fmt.Errorf("%w: tree node %s entry %d: prefix length %d exceeds previous key length %d",
				ErrMalformedArchive, nodeCID, index, entry.PrefixLength, len(previous))
		}
		key := make([]byte, 0, entry.PrefixLength+len(entry.KeySuffix))
		key = append(key, previous[:entry.PrefixLength]...)
		key = append(key, entry.KeySuffix...)
		previous = key

		if string(key) <= w.lastKey && w.lastKey != "" {
			return fmt.Errorf("%w: tree key %q out of order after %q", ErrMalformedArchive, key, w.lastKey)
		}
		w.lastKey = string(key)
		w.visit(string(key), entry.Value)

		if entry.Tree != nil && !entry.Tree.IsZero() {
			if err := w.walk(*entry.Tree, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// keyLayer is the tree layer a key belongs on: the number of leading
// zero bits of its SHA-256 digest, in pairs.
func keyLayer(key string) int {
	digest := sha256.Sum256([]byte(key))
	zeros := 0
	for _, b := range digest {
		if b != 0 {
			zeros += bits.LeadingZeros8(b)
			break
		}
		zeros += 8
	}
	return zeros / 2
}
