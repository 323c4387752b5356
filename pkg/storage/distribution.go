// Package storage copies staged files to the offers of a storage strategy
// and serves them back, journaling writes and reads in the storage log.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/archivelog/archivelog/pkg/backend"
	"github.com/archivelog/archivelog/pkg/config"
	"github.com/archivelog/archivelog/pkg/storagelog"
)

// DigestAlgorithm names the digest reported in StoredInfo.
const DigestAlgorithm = "BLAKE3"

var (
	// ErrUnknownStrategy is returned for a strategy id that is not configured.
	ErrUnknownStrategy = errors.New("unknown storage strategy")
	// ErrNotFound is returned when no offer of the strategy holds the object.
	ErrNotFound = backend.ErrNotFound
)

// Workspace is the read side of the staging area.
type Workspace interface {
	Open(ctx context.Context, container, name string) (io.ReadCloser, error)
	Size(ctx context.Context, container, name string) (int64, error)
}

// Journal receives one entry per stored or read object.
type Journal interface {
	AppendWriteLog(tenant int, entry storagelog.LogEntry) error
	AppendAccessLog(tenant int, entry storagelog.LogEntry) error
}

// ObjectDescription locates a staged file and carries the request context
// recorded in the storage log.
type ObjectDescription struct {
	Tenant             int
	WorkspaceContainer string
	WorkspaceObject    string
	ObjectGroupID      string
	RequestID          string
	ApplicationID      string
	ContextID          string
}

// StoredInfo reports the outcome of a successful store.
type StoredInfo struct {
	ObjectName      string       `json:"object_name"`
	Category        DataCategory `json:"category"`
	Strategy        string       `json:"strategy"`
	Offers          []string     `json:"offers"`
	Digest          string       `json:"digest"`
	DigestAlgorithm string       `json:"digest_algorithm"`
	Size            int64        `json:"size"`
}

// Distribution writes objects to every offer of a strategy.
type Distribution struct {
	offers     *backend.Registry
	strategies map[string][]string
	workspace  Workspace
	journal    Journal
	now        func() time.Time
}

// NewDistribution validates that every strategy references registered
// offers. journal may be nil, in which case nothing is journaled.
func NewDistribution(offers *backend.Registry, strategies []config.StrategyConfig, ws Workspace, journal Journal) (*Distribution, error) {
	d := &Distribution{
		offers:     offers,
		strategies: make(map[string][]string, len(strategies)),
		workspace:  ws,
		journal:    journal,
		now:        time.Now,
	}
	for _, s := range strategies {
		if len(s.Offers) == 0 {
			return nil, fmt.Errorf("storage.NewDistribution: strategy %q has no offers", s.ID)
		}
		for _, o := range s.Offers {
			if _, err := offers.Get(o); err != nil {
				return nil, fmt.Errorf("storage.NewDistribution: strategy %q: %w", s.ID, err)
			}
		}
		d.strategies[s.ID] = append([]string(nil), s.Offers...)
	}
	return d, nil
}

// Strategies returns the configured strategy ids in sorted order.
func (d *Distribution) Strategies() []string {
	ids := make([]string, 0, len(d.strategies))
	for id := range d.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Offers returns the offers of a strategy.
func (d *Distribution) Offers(strategyID string) ([]string, error) {
	offers, ok := d.strategies[strategyID]
	if !ok {
		return nil, fmt.Errorf("storage: %q: %w", strategyID, ErrUnknownStrategy)
	}
	return append([]string(nil), offers...), nil
}

func validObjectName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("storage: invalid object name %q", name)
	}
	return nil
}

// StoreFileFromWorkspace copies the staged file described by desc to
// {tenant}_{category}/{objectName} on every offer of the strategy. All
// offers must succeed. The digest is computed while copying and must match
// across offers.
func (d *Distribution) StoreFileFromWorkspace(ctx context.Context, strategyID string, category DataCategory,
	objectName string, desc ObjectDescription) (StoredInfo, error) {

	offers, err := d.Offers(strategyID)
	if err != nil {
		return StoredInfo{}, fmt.Errorf("storage.StoreFileFromWorkspace: %w", err)
	}
	if err := validObjectName(objectName); err != nil {
		return StoredInfo{}, fmt.Errorf("storage.StoreFileFromWorkspace: %w", err)
	}
	size, err := d.workspace.Size(ctx, desc.WorkspaceContainer, desc.WorkspaceObject)
	if err != nil {
		return StoredInfo{}, fmt.Errorf("storage.StoreFileFromWorkspace: %w", err)
	}

	info := StoredInfo{
		ObjectName:      objectName,
		Category:        category,
		Strategy:        strategyID,
		DigestAlgorithm: DigestAlgorithm,
		Size:            size,
	}
	dest := path.Join(category.Folder(desc.Tenant), objectName)

	var storeErr error
	for _, name := range offers {
		be, err := d.offers.Get(name)
		if err != nil {
			storeErr = err
			break
		}
		sum, err := d.copyToOffer(ctx, be, desc, dest, size)
		if err != nil {
			storeErr = fmt.Errorf("offer %s: %w", name, err)
			break
		}
		if info.Digest == "" {
			info.Digest = sum
		} else if sum != info.Digest {
			storeErr = fmt.Errorf("offer %s: digest %s differs from %s", name, sum, info.Digest)
			break
		}
		info.Offers = append(info.Offers, name)
	}

	journalErr := d.journalWrite(category, objectName, desc, info, storeErr == nil)
	if storeErr != nil {
		slog.Warn("store failed",
			"component", "storage", "object", dest, "strategy", strategyID, "error", storeErr)
		return StoredInfo{}, fmt.Errorf("storage.StoreFileFromWorkspace: %s: %w", objectName, storeErr)
	}
	if journalErr != nil {
		return info, fmt.Errorf("storage.StoreFileFromWorkspace: %s stored but not journaled: %w", objectName, journalErr)
	}
	slog.Debug("object stored",
		"component", "storage", "object", dest, "offers", info.Offers, "size", size)
	return info, nil
}

func (d *Distribution) copyToOffer(ctx context.Context, be backend.Backend, desc ObjectDescription, dest string, size int64) (string, error) {
	rc, err := d.workspace.Open(ctx, desc.WorkspaceContainer, desc.WorkspaceObject)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := blake3.New()
	if err := be.Write(ctx, dest, io.TeeReader(rc, h), size); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *Distribution) journalWrite(category DataCategory, objectName string, desc ObjectDescription, info StoredInfo, ok bool) error {
	if d.journal == nil || category.IsStorageLog() {
		return nil
	}
	outcome := "OK"
	if !ok {
		outcome = "KO"
	}
	return d.journal.AppendWriteLog(desc.Tenant, storagelog.NewWriteEntry(storagelog.WriteOperation{
		Tenant:                desc.Tenant,
		ObjectIdentifier:      objectName,
		ObjectGroupIdentifier: desc.ObjectGroupID,
		DataCategory:          string(category),
		Digest:                info.Digest,
		DigestAlgorithm:       info.DigestAlgorithm,
		Size:                  info.Size,
		Offers:                info.Offers,
		Outcome:               outcome,
		RequestID:             desc.RequestID,
		ContextID:             desc.ContextID,
		ApplicationID:         desc.ApplicationID,
		Time:                  d.now(),
	}))
}

// ReadContext carries the request context recorded in the access log.
type ReadContext struct {
	RequestID     string
	ApplicationID string
	ContextID     string
}

// GetObject opens the object on the first offer of the strategy that holds
// it and journals the read.
func (d *Distribution) GetObject(ctx context.Context, tenant int, strategyID string, category DataCategory,
	objectName string, rctx ReadContext) (io.ReadCloser, error) {

	offers, err := d.Offers(strategyID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetObject: %w", err)
	}
	if err := validObjectName(objectName); err != nil {
		return nil, fmt.Errorf("storage.GetObject: %w", err)
	}
	src := path.Join(category.Folder(tenant), objectName)

	var errs []error
	for _, name := range offers {
		be, err := d.offers.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info, err := be.Stat(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rc, err := be.Open(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.journalRead(tenant, category, objectName, name, info.Size, rctx); err != nil {
			rc.Close()
			return nil, fmt.Errorf("storage.GetObject: %s: %w", objectName, err)
		}
		return rc, nil
	}

	allMissing := true
	for _, err := range errs {
		if !errors.Is(err, backend.ErrNotFound) {
			allMissing = false
		}
	}
	if allMissing {
		return nil, fmt.Errorf("storage.GetObject: %s: %w", src, ErrNotFound)
	}
	return nil, fmt.Errorf("storage.GetObject: %s: %w", src, errors.Join(errs...))
}

func (d *Distribution) journalRead(tenant int, category DataCategory, objectName, offer string, size int64, rctx ReadContext) error {
	if d.journal == nil || category.IsStorageLog() {
		return nil
	}
	return d.journal.AppendAccessLog(tenant, storagelog.NewAccessEntry(storagelog.AccessOperation{
		Tenant:           tenant,
		ObjectIdentifier: objectName,
		DataCategory:     string(category),
		Offer:            offer,
		Size:             size,
		Outcome:          "OK",
		RequestID:        rctx.RequestID,
		ContextID:        rctx.ContextID,
		ApplicationID:    rctx.ApplicationID,
		Time:             d.now(),
	}))
}
