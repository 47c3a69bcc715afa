// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"bytes"
	"encoding/base32"

	"github.com/pborman/uuid"
)

const (
	charset  = "ybndrfg8ejkmcpqxot1uwisza345h769"
	idLength = 26
)

var encoding = base32.NewEncoding(charset)

// NewID returns a globally unique identifier: a random (v4) UUID, zbase32
// encoded and stripped of padding, 26 characters long.
func NewID() string {
	var b bytes.Buffer
	encoder := base32.NewEncoder(encoding, &b)
	if _, err := encoder.Write(uuid.NewRandom()); err != nil {
		return ""
	}
	encoder.Close()
	b.Truncate(idLength)
	return b.String()
}

// NewShortID returns the first n characters of a NewID. n is clamped to
// the full identifier length.
func NewShortID(n int) string {
	if n > idLength {
		n = idLength
	}
	if n < 0 {
		n = 0
	}
	return NewID()[:n]
}
