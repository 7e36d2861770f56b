package sadb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/state"
	"github.com/yuuki/ibsa/internal/subnet"
)

const (
	// DumpFileName is the file written under the dump directory
	DumpFileName = "opensm-sa.dump"

	lockRetryDelay = 50 * time.Millisecond
	dumpFileMode   = 0o600
)

func lockFor(path string) *flock.Flock {
	return flock.New(path + ".lock")
}

// DumpFile writes the SA database to dir/DumpFileName when st is dirty. The
// new content goes to a temporary file that is synced and renamed over the
// old dump, so readers never see a partial file. It returns false when there
// was nothing to write.
func DumpFile(ctx context.Context, dir string, sn *subnet.Subnet, st *state.ServiceState) (bool, error) {
	if !st.TakeDirty() {
		return false, nil
	}
	if err := dumpFile(ctx, dir, sn); err != nil {
		st.MarkDirty()
		return false, err
	}
	return true, nil
}

func dumpFile(ctx context.Context, dir string, sn *subnet.Subnet) error {
	path := filepath.Join(dir, DumpFileName)

	fl := lockFor(path)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", path)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to unlock SA database")
		}
	}()

	tmp, err := os.CreateTemp(dir, "."+DumpFileName+"-*")
	if err != nil {
		return fmt.Errorf("cannot open file %s: %w", path, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(dumpFileMode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := Dump(tmp, sn); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		committed = true
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	committed = true

	log.Debug().Str("path", path).Msg("SA database dumped")
	return nil
}

// LoadFile restores the SA database from path on the first sweep as master.
// It returns a nil result when the restore is skipped: not the first master
// sweep, no file configured or the file cannot be opened. The dirty flag is
// cleared whenever a restore was attempted.
func LoadFile(ctx context.Context, path string, sn *subnet.Subnet, st *state.ServiceState, lease LeaseTrimmer) (*LoadResult, error) {
	sn.RLock()
	first := sn.Options().FirstTimeMasterSweep
	sn.RUnlock()
	if !first {
		log.Info().Msg("Not first sweep - skip SA DB restore")
		return nil, nil
	}
	if path == "" {
		log.Info().Msg("SA DB file name is not specified. Skip restore")
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("SA DB file does not exist. Skip restoring")
		} else {
			log.Warn().Err(err).Str("path", path).Msg("Can't open SA DB file. Skip restoring")
		}
		return nil, nil
	}
	defer f.Close()

	fl := lockFor(path)
	locked, err := fl.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		log.Warn().Err(err).Str("path", path).Msg("Failed to lock SA DB file, restoring without lock")
	}
	if locked {
		defer fl.Unlock()
	}

	log.Info().Str("path", path).Msg("Restoring SA DB from file")
	res, err := Load(f, path, sn, lease)
	st.ClearDirty()
	if err != nil {
		return res, err
	}

	log.Info().
		Str("path", path).
		Int("groups", res.Groups).
		Int("members", res.Members).
		Int("services", res.Services).
		Int("informs", res.Informs).
		Int("guid_blocks", res.GUIDBlocks).
		Bool("rereg", res.Rereg).
		Msg("SA DB restored")
	return res, nil
}
