// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package jsonobj_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/translator"
	"storj.io/fossil/pkg/translator/jsonobj"
)

func sampleObject() *fossil.Object {
	created := time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC)

	b := fossil.NewBuilder()
	b.SetPID("demo:1")
	b.SetLabel("sample object")
	b.SetOwnerID("fossilAdmin")
	b.SetState(fossil.StateActive)
	b.SetCreated(created)
	b.SetLastModified(created.Add(time.Hour))
	b.AddRelationship(fossil.Triple{
		Predicate: fossil.PredicateHasModel,
		Object:    fossil.ObjectURI("demo:cmodel"),
	})
	_ = b.AddDatastream("DC", true, fossil.DatastreamVersion{
		ID:            "DC.0",
		MIMEType:      "application/json",
		ControlGroup:  fossil.InlineXML,
		InlineContent: []byte(`{"identifier":["demo:1"]}`),
		Created:       created,
	})
	_ = b.AddDatastream("DS1", true, fossil.DatastreamVersion{
		ID:           "DS1.0",
		Label:        "scan",
		MIMEType:     "image/tiff",
		ControlGroup: fossil.ManagedContent,
		Location:     "demo:1+DS1+DS1.0",
		LocationType: fossil.LocationInternal,
		Size:         100,
		Created:      created,
		ChecksumType: "SHA-256",
		Checksum:     "abc123",
	})
	return b.Snapshot()
}

func TestRoundTrip(t *testing.T) {
	codec := jsonobj.Codec{}
	original := sampleObject()

	var buf bytes.Buffer
	require.NoError(t, codec.Serialize(original, &buf, translator.StorageFormat, translator.DefaultEncoding, translator.SerializeStorage))

	b := fossil.NewBuilder()
	require.NoError(t, codec.Deserialize(bytes.NewReader(buf.Bytes()), b, translator.StorageFormat, translator.DefaultEncoding, translator.DeserializeInstance))
	decoded := b.Snapshot()

	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-original +decoded):\n%s", diff)
	}
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	codec := jsonobj.Codec{}
	b := fossil.NewBuilder()
	err := codec.Deserialize(strings.NewReader("not json"), b, translator.StorageFormat, translator.DefaultEncoding, translator.DeserializeInstance)
	require.Error(t, err)
	require.True(t, fossil.ErrIntegrity.Has(err))
}

func TestOmittedLocationTypeDefaultsToURL(t *testing.T) {
	codec := jsonobj.Codec{}

	payload := `{
		"pid": "demo:1",
		"datastreams": [
			{
				"id": "DS1",
				"versions": [
					{
						"id": "DS1.0",
						"controlGroup": "M",
						"location": "https://example.test/scan.tiff"
					}
				]
			}
		]
	}`

	b := fossil.NewBuilder()
	require.NoError(t, codec.Deserialize(strings.NewReader(payload), b, translator.StorageFormat, translator.DefaultEncoding, translator.DeserializeInstance))
	obj := b.Snapshot()

	version := obj.Datastream("DS1").Latest()
	require.Equal(t, fossil.LocationURL, version.LocationType)
}

func TestUnsupportedFormat(t *testing.T) {
	codec := jsonobj.Codec{}
	var buf bytes.Buffer
	err := codec.Serialize(sampleObject(), &buf, translator.Format("info:fossil/format#unknown"), translator.DefaultEncoding, translator.SerializeStorage)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	codec := jsonobj.Codec{}

	serialize := func(obj *fossil.Object) string {
		var buf bytes.Buffer
		require.NoError(t, codec.Serialize(obj, &buf, translator.StorageFormat, translator.DefaultEncoding, translator.SerializeStorage))
		return buf.String()
	}

	valid := serialize(sampleObject())
	require.NoError(t, codec.Validate(strings.NewReader(valid), translator.StorageFormat, translator.LevelFull, translator.PhaseIngest))

	err := codec.Validate(strings.NewReader("{"), translator.StorageFormat, translator.LevelSchema, translator.PhaseIngest)
	require.Error(t, err)
	require.True(t, fossil.ErrValidation.Has(err))

	// a payload without pid passes at ingest but not at store phase
	noPID := strings.Replace(valid, `"pid": "demo:1"`, `"pid": ""`, 1)
	require.NoError(t, codec.Validate(strings.NewReader(noPID), translator.StorageFormat, translator.LevelFull, translator.PhaseIngest))
	err = codec.Validate(strings.NewReader(noPID), translator.StorageFormat, translator.LevelFull, translator.PhaseStore)
	require.Error(t, err)
	require.True(t, fossil.ErrValidation.Has(err))

	// a managed version without location is rejected at the full level
	noLocation := strings.Replace(valid, `"location": "demo:1+DS1+DS1.0",`, ``, 1)
	err = codec.Validate(strings.NewReader(noLocation), translator.StorageFormat, translator.LevelFull, translator.PhaseStore)
	require.Error(t, err)
	require.True(t, fossil.ErrValidation.Has(err))
}
