// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package server assembles a running repository out of its subsystems:
// registry, content store, indexes, cache, and the object manager on top.
package server

import (
	"context"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/fossil/pkg/deploymap"
	"storj.io/fossil/pkg/objmanager"
	"storj.io/fossil/pkg/readercache"
	"storj.io/fossil/pkg/registry"
	"storj.io/fossil/pkg/relindex"
	"storj.io/fossil/pkg/search"
	"storj.io/fossil/pkg/translator/jsonobj"
	"storj.io/fossil/storage"
	"storj.io/fossil/storage/filestore"
)

// Error is the server error class.
var Error = errs.Class("server error")

// Config is all the configuration parameters for a repository server.
type Config struct {
	DataDir string `help:"directory holding the registry, indexes, and content store" default:"data"`

	Cache   readercache.Config
	Manager objmanager.Config
}

// Peer is the representation of a repository server.
type Peer struct {
	// core dependencies
	Log *zap.Logger

	// storage and indexes
	Registry    *registry.DB
	Store       *filestore.Store
	RelIndex    *relindex.Index
	SearchIndex *search.Index

	// services
	Cache       *readercache.Cache
	Deployments *deploymap.Map
	Manager     *objmanager.Manager
}

// New creates a new repository server.
func New(log *zap.Logger, config Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
	}

	var err error

	{ // setup registry
		peer.Registry, err = registry.Open(log.Named("registry"),
			filepath.Join(config.DataDir, "registry.db"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup content store
		peer.Store, err = filestore.NewAt(log.Named("filestore"),
			filepath.Join(config.DataDir, "content"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		// drop staging files a previous process left behind
		if err := peer.Store.GarbageCollect(context.Background()); err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup indexes
		peer.RelIndex, err = relindex.Open(log.Named("relindex"),
			filepath.Join(config.DataDir, "relindex.db"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.SearchIndex, err = search.Open(log.Named("search"),
			filepath.Join(config.DataDir, "search.bleve"))
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup object manager
		peer.Cache = readercache.New(log.Named("cache"), config.Cache)
		peer.Deployments = deploymap.New(log.Named("deploymap"))

		managerConfig := config.Manager
		if managerConfig.UploadDir == "" {
			managerConfig.UploadDir = filepath.Join(config.DataDir, "uploads")
		}

		codec := jsonobj.Codec{}
		peer.Manager, err = objmanager.New(log.Named("objmanager"), managerConfig,
			peer.Registry, peer.Store, storage.NoHints,
			peer.SearchIndex, peer.RelIndex,
			peer.Cache, peer.Deployments,
			peer.Registry, codec, codec)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	return peer, nil
}

// Run runs the repository server until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		err := peer.Cache.Run(ctx)
		if err == context.Canceled {
			err = nil
		}
		return err
	})

	return group.Wait()
}

// Close closes all the resources in reverse initialization order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.Manager != nil {
		errlist.Add(peer.Manager.Close())
	}
	if peer.Cache != nil {
		errlist.Add(peer.Cache.Close())
	}
	if peer.SearchIndex != nil {
		errlist.Add(peer.SearchIndex.Close())
	}
	if peer.RelIndex != nil {
		errlist.Add(peer.RelIndex.Close())
	}
	if peer.Store != nil {
		errlist.Add(peer.Store.Close())
	}
	if peer.Registry != nil {
		errlist.Add(peer.Registry.Close())
	}
	return errlist.Err()
}
