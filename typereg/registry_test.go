// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package typereg

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/pghatch/pghatch/schema"
)

func registryFixture() *schema.Model {
	intT := &schema.TypeDescriptor{OID: 23, Name: "int4", Category: schema.CategoryInteger, Width: 4}
	mood := &schema.TypeDescriptor{OID: 16500, Name: "mood", Category: schema.CategoryEnum, Labels: []string{"happy", "sad"}}
	moodArr := &schema.TypeDescriptor{OID: 16501, Name: "_mood", Category: schema.CategoryArray, Elem: mood}
	dom := &schema.TypeDescriptor{OID: 16600, Name: "positive_int", Category: schema.CategoryDomain, Base: intT}
	return &schema.Model{Types: []*schema.TypeDescriptor{intT, mood, moodArr, dom}}
}

func TestDescribe(t *testing.T) {
	r := New(registryFixture())
	require.Equal(t, schema.CategoryEnum, r.Describe(16500).Category)
	d := r.Describe(424242)
	require.Equal(t, schema.CategoryUnknown, d.Category)
	require.EqualValues(t, 424242, d.OID)
}

func TestDecodeBuiltin(t *testing.T) {
	r := New(registryFixture())
	v, err := r.Decode(pgtype.Int4OID, pgtype.TextFormatCode, []byte("42"))
	require.NoError(t, err)
	require.EqualValues(t, 42, v)

	v, err = r.Decode(pgtype.TextOID, pgtype.TextFormatCode, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestDecodeNull(t *testing.T) {
	r := New(registryFixture())
	v, err := r.Decode(pgtype.Int4OID, pgtype.TextFormatCode, nil)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestDecodeEnum(t *testing.T) {
	r := New(registryFixture())
	v, err := r.Decode(16500, pgtype.TextFormatCode, []byte("happy"))
	require.NoError(t, err)
	require.Equal(t, "happy", v)
}

func TestDecodeUnregisteredTextPassthrough(t *testing.T) {
	r := New(registryFixture())
	v, err := r.Decode(424242, pgtype.TextFormatCode, []byte("raw value"))
	require.NoError(t, err)
	require.Equal(t, "raw value", v)

	_, err = r.Decode(424242, pgtype.BinaryFormatCode, []byte{0x01})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestEncode(t *testing.T) {
	r := New(registryFixture())
	buf, err := r.Encode(pgtype.Int4OID, int32(7))
	require.NoError(t, err)
	require.Equal(t, "7", string(buf))

	buf, err = r.Encode(pgtype.Int4OID, nil)
	require.NoError(t, err)
	require.Nil(t, buf)

	_, err = r.Encode(pgtype.Int4OID, "not a number")
	var ee *EncodeError
	require.ErrorAs(t, err, &ee)
}
