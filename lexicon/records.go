// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lexicon

import (
	"errors"
	"fmt"
)

// FactRecord is one ground fact the agent holds: predicate(args...).
type FactRecord struct {
	Type      string   `json:"$type,omitempty"`
	Predicate string   `json:"predicate"`
	Args      []string `json:"args"`
	// Source is the AT URI of the record the fact was derived from,
	// if any.
	Source    string `json:"source,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func (f FactRecord) validate() error {
	if f.Predicate == "" {
		return errors.New("fact: predicate is required")
	}
	return nil
}

// RuleRecord is a derivation rule over facts, stored as source text for the
// downstream reasoner.
type RuleRecord struct {
	Type        string `json:"$type,omitempty"`
	Name        string `json:"name"`
	Body        string `json:"body"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func (r RuleRecord) validate() error {
	if r.Name == "" {
		return errors.New("rule: name is required")
	}
	if r.Body == "" {
		return errors.New("rule: body is required")
	}
	return nil
}

// ThoughtRecord is an entry in the agent's working log.
type ThoughtRecord struct {
	Type      string `json:"$type,omitempty"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

func (t ThoughtRecord) validate() error {
	if t.Content == "" {
		return errors.New("thought: content is required")
	}
	return nil
}

// NoteRecord is a long-form document the agent maintains.
type NoteRecord struct {
	Type      string   `json:"$type,omitempty"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

func (n NoteRecord) validate() error {
	if n.Title == "" {
		return errors.New("note: title is required")
	}
	return nil
}

// JobRecord is a scheduled instruction. Scheduling itself happens outside
// this module; the cache only mirrors the definitions.
type JobRecord struct {
	Type         string `json:"$type,omitempty"`
	Name         string `json:"name"`
	Schedule     string `json:"schedule"`
	Instructions string `json:"instructions"`
	Enabled      bool   `json:"enabled"`
	CreatedAt    string `json:"createdAt"`
}

func (j JobRecord) validate() error {
	if j.Name == "" {
		return errors.New("job: name is required")
	}
	if j.Schedule == "" {
		return errors.New("job: schedule is required")
	}
	return nil
}

// ToolRecord is a custom tool definition written by the agent. A tool only
// becomes runnable after the operator publishes an Approval for it.
type ToolRecord struct {
	Type        string `json:"$type,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code"`
	CreatedAt   string `json:"createdAt"`
}

func (t ToolRecord) validate() error {
	if t.Name == "" {
		return errors.New("tool: name is required")
	}
	return nil
}

// IdentityRecord is the agent's self-description singleton (record key
// "self").
type IdentityRecord struct {
	Type        string   `json:"$type,omitempty"`
	OperatorDID string   `json:"operatorDid"`
	Name        string   `json:"name"`
	Values      []string `json:"values,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

func (i IdentityRecord) validate() error {
	if i.OperatorDID == "" {
		return errors.New("identity: operatorDid is required")
	}
	return nil
}

// DaemonStateRecord is the agent daemon's persisted runtime state singleton
// (record key "self").
type DaemonStateRecord struct {
	Type      string `json:"$type,omitempty"`
	Status    string `json:"status"`
	LastWake  string `json:"lastWake,omitempty"`
	WakeCount int64  `json:"wakeCount"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (d DaemonStateRecord) validate() error { return nil }

// ApprovalRecord is written by the operator into the operator's own
// repository to approve one version of an agent tool. It never enters
// the agent's cache tables.
type ApprovalRecord struct {
	Type string `json:"$type,omitempty"`
	// Tool is the AT URI of the approved tool record.
	Tool string `json:"tool"`
	// ToolCID pins the approval to one content version of the tool.
	ToolCID    string `json:"toolCid"`
	ApprovedAt string `json:"approvedAt"`
}

func (a ApprovalRecord) validate() error {
	if a.Tool == "" {
		return errors.New("approval: tool is required")
	}
	if a.ToolCID == "" {
		return errors.New("approval: toolCid is required")
	}
	return nil
}

// checkType enforces that a record's $type, when present, names the
// collection it was found in.
func checkType(collection, recordType string) error {
	if recordType != "" && recordType != collection {
		return fmt.Errorf("record $type %q does not match collection %q", recordType, collection)
	}
	return nil
}
