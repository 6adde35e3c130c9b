// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bureau-foundation/atmirror/lib/car"
	"github.com/bureau-foundation/atmirror/lib/cid"
	"github.com/bureau-foundation/atmirror/lib/codec"
)

// Builder assembles a repository archive from records. Records are
// encoded as DAG-CBOR and arranged in a Merkle Search Tree with the
// standard layer assignment. The commit is unsigned.
type Builder struct {
	did     string
	rev     string
	leaves  map[string]cid.CID
	records map[cid.CID][]byte
}

// NewBuilder returns a Builder for an empty repository.
func NewBuilder(did, rev string) *Builder {
	return &Builder{
		did:     did,
		rev:     rev,
		leaves:  make(map[string]cid.CID),
		records: make(map[cid.CID][]byte),
	}
}

// Put encodes record and stores it under collection/recordKey,
// replacing any previous record there.
func (b *Builder) Put(collection, recordKey string, record any) (cid.CID, error) {
	data, err := codec.Marshal(record)
	if err != nil {
		return cid.CID{}, fmt.Errorf("repo: encoding %s/%s: %w", collection, recordKey, err)
	}
	return b.PutRaw(collection, recordKey, data), nil
}

// PutRaw stores already-encoded record bytes.
func (b *Builder) PutRaw(collection, recordKey string, data []byte) cid.CID {
	recordCID := cid.ForDAGCBOR(data)
	b.records[recordCID] = data
	b.leaves[collection+"/"+recordKey] = recordCID
	return recordCID
}

// PutLink references a record CID without storing its block, producing
// an archive with a dangling leaf.
func (b *Builder) PutLink(collection, recordKey string, recordCID cid.CID) {
	b.leaves[collection+"/"+recordKey] = recordCID
}

// Delete removes a record.
func (b *Builder) Delete(collection, recordKey string) {
	delete(b.leaves, collection+"/"+recordKey)
}

// SetRev changes the revision written into the commit.
func (b *Builder) SetRev(rev string) { b.rev = rev }

type builtLeaf struct {
	key   string
	value cid.CID
	layer int
}

// Build encodes the repository and returns the archive bytes and the
// commit CID.
func (b *Builder) Build() ([]byte, cid.CID, error) {
	leaves := make([]builtLeaf, 0, len(b.leaves))
	rootLayer := 0
	for key, value := range b.leaves {
		layer := keyLayer(key)
		rootLayer = max(rootLayer, layer)
		leaves = append(leaves, builtLeaf{key: key, value: value, layer: layer})
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].key < leaves[j].key })

	var blocks []car.Block
	seen := make(map[cid.CID]bool)
	emit := func(data []byte) cid.CID {
		blockCID := cid.ForDAGCBOR(data)
		if !seen[blockCID] {
			seen[blockCID] = true
			blocks = append(blocks, car.Block{CID: blockCID, Data: data})
		}
		return blockCID
	}

	root, err := buildNode(leaves, rootLayer, emit)
	if err != nil {
		return nil, cid.CID{}, err
	}

	for _, leaf := range leaves {
		if data, ok := b.records[leaf.value]; ok && !seen[leaf.value] {
			seen[leaf.value] = true
			blocks = append(blocks, car.Block{CID: leaf.value, Data: data})
		}
	}

	commitData, err := codec.Marshal(commitBlock{
		DID:     b.did,
		Version: 3,
		Data:    root,
		Rev:     b.rev,
		Sig:     []byte{},
	})
	if err != nil {
		return nil, cid.CID{}, fmt.Errorf("repo: encoding commit: %w", err)
	}
	commitCID := cid.ForDAGCBOR(commitData)
	blocks = append([]car.Block{{CID: commitCID, Data: commitData}}, blocks...)

	var buffer bytes.Buffer
	if err := car.Write(&buffer, []cid.CID{commitCID}, blocks); err != nil {
		return nil, cid.CID{}, err
	}
	return buffer.Bytes(), commitCID, nil
}

// buildNode encodes the node holding every leaf at layer, with runs of
// lower-layer leaves pushed into subtrees.
func buildNode(leaves []builtLeaf, layer int, emit func([]byte) cid.CID) (cid.CID, error) {
	node := treeNode{Entries: []treeEntry{}}
	var run []builtLeaf
	var previous []byte

	attach := func() error {
		if len(run) == 0 {
			return nil
		}
		child, err := buildNode(run, layer-1, emit)
		if err != nil {
			return err
		}
		run = nil
		if len(node.Entries) == 0 {
			node.Left = &child
		} else {
			node.Entries[len(node.Entries)-1].Tree = &child
		}
		return nil
	}

	for _, leaf := range leaves {
		if leaf.layer < layer {
			run = append(run, leaf)
			continue
		}
		if err := attach(); err != nil {
			return cid.CID{}, err
		}
		key := []byte(leaf.key)
		prefix := commonPrefixLength(previous, key)
		node.Entries = append(node.Entries, treeEntry{
			PrefixLength: prefix,
			KeySuffix:    key[prefix:],
			Value:        leaf.value,
		})
		previous = key
	}
	if err := attach(); err != nil {
		return cid.CID{}, err
	}

	data, err := codec.Marshal(node)
	if err != nil {
		return cid.CID{}, fmt.Errorf("repo: encoding tree node: %w", err)
	}
	return emit(data), nil
}

func commonPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
