// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	cases := []RecordHeader{
		{TimestampNS: 0, PayloadLen: 0},
		{TimestampNS: 100, PayloadLen: 42},
		{TimestampNS: -1, PayloadLen: 1 << 20},
	}
	for _, h := range cases {
		buf := make([]byte, HeaderLen)
		EncodeHeader(buf, h)
		got, err := DecodeHeader(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestDecodeHeaderShortRead(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderLen-1))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestVerifyMagic(t *testing.T) {
	buf := make([]byte, 4)
	EncodeMagic(buf)
	require.NoError(t, VerifyMagic(buf))

	bad := []byte{0, 0, 0, 0}
	require.ErrorIs(t, VerifyMagic(bad), ErrCorrupt)

	require.ErrorIs(t, VerifyMagic([]byte{1, 2}), ErrCorrupt)
}
