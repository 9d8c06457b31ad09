// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCursor is returned for cursors that cannot be decoded or that
// were issued by a different search engine.
var ErrInvalidCursor = errors.New("invalid cursor")

// cursor is the keyset position after the last returned hit. K is the bm25
// rank on the indexed path and the confidence score on the fallback path.
type cursor struct {
	Engine string  `json:"e"`
	Key    float64 `json:"k"`
	ID     string  `json:"id"`
}

func (c cursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s, engine string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: missing position", ErrInvalidCursor)
	}
	if c.Engine != engine {
		return nil, fmt.Errorf("%w: issued by %s search, this query uses %s", ErrInvalidCursor, c.Engine, engine)
	}
	return &c, nil
}
