// Package pairs deals with trading pair symbols: reading the whitelist from a
// freqtrade config file and sanitizing symbols for identifiers and file names.
package pairs

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// SafeName replaces path-unsafe separator characters in a pair symbol,
// i.e. "BTC/USDT:USDT" -> "BTC_USDT_USDT". The mapping is many-to-one,
// callers relying on uniqueness have to check for collisions themselves.
func SafeName(pair string) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	return r.Replace(pair)
}

// ftConfig covers the subset of the freqtrade config the trainer needs
type ftConfig struct {
	Exchange struct {
		PairWhitelist []string `json:"pair_whitelist"`
	} `json:"exchange"`
	Freqai struct {
		FeatureParameters struct {
			IncludeCorrPairlist []string `json:"include_corr_pairlist"`
		} `json:"feature_parameters"`
	} `json:"freqai"`
}

// FromConfig reads exchange.pair_whitelist from a freqtrade config json.
// Returns an error if the file has no pairs, an empty whitelist is always a mistake.
func FromConfig(path string) ([]string, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if len(cfg.Exchange.PairWhitelist) == 0 {
		return nil, fmt.Errorf("no pairs in %s under exchange.pair_whitelist", path)
	}
	return cfg.Exchange.PairWhitelist, nil
}

// FromConfigWithCorrelated returns the union of the whitelist and
// freqai.feature_parameters.include_corr_pairlist, sorted and deduplicated.
// Used by coverage checks which need data for correlated pairs too.
func FromConfigWithCorrelated(path string) ([]string, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var res []string
	for _, p := range append(append([]string{}, cfg.Exchange.PairWhitelist...), cfg.Freqai.FeatureParameters.IncludeCorrPairlist...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		res = append(res, p)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no pairs in %s under whitelist or include_corr_pairlist", path)
	}
	sort.Strings(res)
	return res, nil
}

func load(path string) (*ftConfig, error) {
	data, err := os.ReadFile(path) // nolint gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("can't read freqtrade config %s: %w", path, err)
	}
	res := &ftConfig{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("can't parse freqtrade config %s: %w", path, err)
	}
	return res, nil
}
