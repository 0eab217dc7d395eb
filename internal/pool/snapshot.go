package pool

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Pool snapshot — flat CSV cache of discovered pools
// One row per pool. Presence of the file skips factory sync entirely; the
// content is trusted as-is.
// ---------------------------------------------------------------------------

var snapshotHeader = []string{"address", "version", "token0", "token1", "decimals0", "decimals1", "fee"}

// ErrCorruptSnapshot is returned when an existing snapshot cannot be parsed.
var ErrCorruptSnapshot = errors.New("pool: corrupt snapshot")

// SaveSnapshot writes pools to path via a temp file and rename.
func SaveSnapshot(path string, pools []Pool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pool: create snapshot dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("pool: create snapshot file: %w", err)
	}

	if err := writeRows(f, pools); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pool: encode snapshot: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pool: close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("pool: rename snapshot: %w", err)
	}

	log.Info().Int("pools", len(pools)).Str("path", path).Msg("pool: snapshot saved")
	return nil
}

func writeRows(w io.Writer, pools []Pool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(snapshotHeader); err != nil {
		return err
	}
	for _, p := range pools {
		row := []string{
			p.Address.Hex(),
			strconv.Itoa(int(p.Version)),
			p.Token0.Hex(),
			p.Token1.Hex(),
			strconv.Itoa(int(p.Decimals0)),
			strconv.Itoa(int(p.Decimals1)),
			strconv.FormatUint(uint64(p.Fee), 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LoadSnapshot reads pools from path. ok is false when the file does not
// exist; any other failure is fatal to startup.
func LoadSnapshot(path string) (pools []Pool, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pool: open snapshot: %w", err)
	}
	defer f.Close()

	pools, err = readRows(f)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, path, err)
	}

	log.Info().Int("pools", len(pools)).Str("path", path).Msg("pool: snapshot loaded")
	return pools, true, nil
}

func readRows(r io.Reader) ([]Pool, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(snapshotHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range snapshotHeader {
		if header[i] != col {
			return nil, fmt.Errorf("header column %d is %q, want %q", i, header[i], col)
		}
	}

	var pools []Pool
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		p, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

func parseRow(rec []string) (Pool, error) {
	var p Pool
	for _, field := range []int{0, 2, 3} {
		if !common.IsHexAddress(rec[field]) {
			return p, fmt.Errorf("column %s: malformed address %q", snapshotHeader[field], rec[field])
		}
	}
	p.Address = common.HexToAddress(rec[0])
	p.Token0 = common.HexToAddress(rec[2])
	p.Token1 = common.HexToAddress(rec[3])

	v, err := strconv.Atoi(rec[1])
	if err != nil {
		return p, fmt.Errorf("column version: %w", err)
	}
	if p.Version, err = ParseVersion(v); err != nil {
		return p, err
	}

	d0, err := strconv.ParseUint(rec[4], 10, 8)
	if err != nil {
		return p, fmt.Errorf("column decimals0: %w", err)
	}
	d1, err := strconv.ParseUint(rec[5], 10, 8)
	if err != nil {
		return p, fmt.Errorf("column decimals1: %w", err)
	}
	fee, err := strconv.ParseUint(rec[6], 10, 32)
	if err != nil {
		return p, fmt.Errorf("column fee: %w", err)
	}
	p.Decimals0, p.Decimals1, p.Fee = uint8(d0), uint8(d1), uint32(fee)
	return p, nil
}
