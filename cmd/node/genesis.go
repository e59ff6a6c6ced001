package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tao20/internal/logger"
	"tao20/internal/registry"
)

// genesisValidator is one entry in the genesis validator file.
type genesisValidator struct {
	Address   string `json:"address"`
	BLSPubKey string `json:"blsPubKey"`
	Stake     uint64 `json:"stake"`
}

// loadGenesis registers the validators listed in the genesis file.
// Validators already present are skipped, so restarts are harmless.
func (n *Node) loadGenesis(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read genesis file:\n%w", err)
	}

	var entries []genesisValidator
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse genesis file:\n%w", err)
	}

	added := 0

	for i, entry := range entries {
		if !common.IsHexAddress(entry.Address) {
			return fmt.Errorf("genesis entry %d: invalid address %q", i, entry.Address)
		}

		blsKey, err := hex.DecodeString(strings.TrimPrefix(entry.BLSPubKey, "0x"))
		if err != nil {
			return fmt.Errorf("genesis entry %d: invalid BLS key:\n%w", i, err)
		}

		addr := common.HexToAddress(entry.Address)

		err = n.admin.AddValidator(addr, blsKey, entry.Stake)
		if errors.Is(err, registry.ErrDuplicateValidator) {
			continue
		}
		if err != nil {
			return fmt.Errorf("genesis entry %d (%s):\n%w", i, addr.Hex(), err)
		}

		added++
	}

	logger.Info("genesis validators loaded",
		"file", path,
		"entries", len(entries),
		"added", added,
	)

	return nil
}
