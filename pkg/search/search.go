// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package search maintains the field/full-text index over object metadata,
// updated synchronously on commit.
package search

import (
	"context"
	"encoding/json"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/fossil"
)

// Error is the search index error class.
var Error = errs.Class("search error")

// DCDatastreamID is the descriptive-metadata datastream whose field values
// are indexed for field search.
const DCDatastreamID = "DC"

// Index is a bleve-backed search index.
type Index struct {
	log   *zap.Logger
	bleve bleve.Index
}

// document is the indexed shape of an object.
type document struct {
	PID           string              `json:"pid"`
	Label         string              `json:"label"`
	OwnerID       string              `json:"owner"`
	State         string              `json:"state"`
	DatastreamIDs []string            `json:"dsids"`
	DC            map[string][]string `json:"dc"`
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	keyword := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("pid", keyword)
	doc.AddFieldMappingsAt("state", keyword)
	doc.AddFieldMappingsAt("owner", keyword)
	doc.AddFieldMappingsAt("dsids", keyword)
	doc.AddFieldMappingsAt("label", bleve.NewTextFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Open opens (and creates, if needed) an on-disk search index at path.
func Open(log *zap.Logger, path string) (*Index, error) {
	b, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		b, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Index{log: log, bleve: b}, nil
}

// NewMemOnly creates an in-memory search index, used by tests.
func NewMemOnly(log *zap.Logger) (*Index, error) {
	b, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Index{log: log, bleve: b}, nil
}

// Close closes the index.
func (index *Index) Close() error {
	return Error.Wrap(index.bleve.Close())
}

// Update indexes or reindexes a committed object.
func (index *Index) Update(obj *fossil.Object) error {
	doc := document{
		PID:           obj.PID.String(),
		Label:         obj.Label,
		OwnerID:       obj.OwnerID,
		State:         obj.State.String(),
		DatastreamIDs: append([]string(nil), obj.DatastreamIDs...),
		DC:            index.dcValues(obj),
	}
	return Error.Wrap(index.bleve.Index(doc.PID, doc))
}

// Delete removes a purged object from the index.
func (index *Index) Delete(pid fossil.PID) error {
	return Error.Wrap(index.bleve.Delete(pid.String()))
}

// Result is one search hit.
type Result struct {
	PID   fossil.PID
	Score float64
}

// Find runs a query-string search over the indexed fields.
func (index *Index) Find(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 25
	}
	request := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	response, err := index.bleve.SearchInContext(ctx, request)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	results := make([]Result, 0, len(response.Hits))
	for _, hit := range response.Hits {
		results = append(results, Result{PID: fossil.PID(hit.ID), Score: hit.Score})
	}
	return results, nil
}

// dcValues extracts the descriptive-metadata field values from the DC
// datastream's latest inline version. Objects without parseable DC content
// are indexed without field values.
func (index *Index) dcValues(obj *fossil.Object) map[string][]string {
	ds := obj.Datastream(DCDatastreamID)
	if ds == nil {
		return nil
	}
	latest := ds.Latest()
	if latest == nil || len(latest.InlineContent) == 0 {
		return nil
	}
	var values map[string][]string
	if err := json.Unmarshal(latest.InlineContent, &values); err != nil {
		index.log.Debug("unparseable descriptive metadata",
			zap.String("pid", obj.PID.String()), zap.Error(err))
		return nil
	}
	return values
}
