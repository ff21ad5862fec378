// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package syncpoint encodes and decodes the self-addressed marker message
// replicas exchange to reconcile seen/trash state with each other.
package syncpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Header is the distinguishing header that marks a message as a syncpoint
// rather than ordinary mail.
const Header = "X-Norless"

const (
	fromAddress = "norless@fake.org"
	toAddress   = "norless@fake.org"
	subject     = "norless syncpoint"
)

// Payload is the JSON body of a syncpoint: the uids a replica has marked
// seen or moved to trash since the last syncpoint it saw.
type Payload struct {
	Seen  []int64 `json:"seen"`
	Trash []int64 `json:"trash"`
}

// Encode builds the raw RFC 5322 bytes of a syncpoint message for
// replicaID carrying payload, with \Seen intended to be set on append so it
// never shows up as unread in the operator's mail client.
func Encode(replicaID string, payload Payload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("syncpoint: marshal payload: %w", err)
	}

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.SetAddressList("From", []*mail.Address{{Address: fromAddress}}); err != nil {
		return nil, fmt.Errorf("syncpoint: set From: %w", err)
	}
	if err := h.SetAddressList("To", []*mail.Address{{Address: toAddress}}); err != nil {
		return nil, fmt.Errorf("syncpoint: set To: %w", err)
	}
	h.SetSubject(subject)
	h.Header.Set(Header, replicaID)
	h.Header.Set("Message-ID", fmt.Sprintf("<%s@norless>", uuid.New().String()))
	h.Header.Set("Content-Type", "application/json; charset=utf-8")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("syncpoint: create writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, fmt.Errorf("syncpoint: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("syncpoint: close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// ReplicaID inspects a raw message and returns the syncpoint replica id
// carried in its X-Norless header, and whether one was present at all.
func ReplicaID(raw []byte) (string, bool, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", false, fmt.Errorf("syncpoint: parse message: %w", err)
	}
	id := e.Header.Get(Header)
	return id, id != "", nil
}

// Decode parses a syncpoint message's JSON body. It assumes the caller has
// already confirmed the X-Norless header is present via ReplicaID; a
// malformed body is returned as an error so callers can fall back to
// treating the message as ordinary mail.
func Decode(raw []byte) (Payload, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Payload{}, fmt.Errorf("syncpoint: parse message: %w", err)
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("syncpoint: read body: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("syncpoint: decode payload: %w", err)
	}
	return p, nil
}
