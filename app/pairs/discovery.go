package pairs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Discoverer finds Binance USDT-M linear perpetuals suitable for a whitelist.
// Filters by 24h quote volume and optionally by open interest, keeps top-N by volume.
type Discoverer struct {
	Client          *http.Client
	BaseURL         string  // defaults to https://fapi.binance.com
	MinQuoteVolume  float64 // pairs with lower 24h quote volume rejected
	MinOpenInterest float64 // 0 disables the open interest filter
	Top             int     // keep top N after filtering, 0 means all
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
		ContractType string `json:"contractType"`
		Status       string `json:"status"`
	} `json:"symbols"`
}

type ticker struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

type openInterest struct {
	OpenInterest string `json:"openInterest"`
}

// Discover returns qualifying pairs in freqtrade notation ("BTC/USDT:USDT"),
// sorted by 24h quote volume descending.
func (d *Discoverer) Discover(ctx context.Context) ([]string, error) {
	base := d.BaseURL
	if base == "" {
		base = "https://fapi.binance.com"
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	info := exchangeInfo{}
	if err := d.get(ctx, client, base+"/fapi/v1/exchangeInfo", &info); err != nil {
		return nil, fmt.Errorf("can't load exchange info: %w", err)
	}

	var tickers []ticker
	if err := d.get(ctx, client, base+"/fapi/v1/ticker/24hr", &tickers); err != nil {
		return nil, fmt.Errorf("can't load tickers: %w", err)
	}
	volumes := map[string]float64{}
	for _, t := range tickers {
		v, err := strconv.ParseFloat(t.QuoteVolume, 64)
		if err != nil {
			continue
		}
		volumes[t.Symbol] = v
	}

	type candidate struct {
		pair string
		vol  float64
	}
	var qualified []candidate
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		vol := volumes[s.Symbol]
		if vol < d.MinQuoteVolume {
			continue
		}
		if d.MinOpenInterest > 0 {
			oi, err := d.recentOpenInterest(ctx, client, base, s.Symbol)
			if err != nil {
				log.Printf("[DEBUG] no open interest for %s, %v", s.Symbol, err)
				continue
			}
			if oi < d.MinOpenInterest {
				continue
			}
		}
		qualified = append(qualified, candidate{pair: s.BaseAsset + "/" + s.QuoteAsset + ":" + s.QuoteAsset, vol: vol})
	}

	sort.Slice(qualified, func(i, j int) bool { return qualified[i].vol > qualified[j].vol })
	if d.Top > 0 && len(qualified) > d.Top {
		qualified = qualified[:d.Top]
	}

	res := make([]string, 0, len(qualified))
	for _, c := range qualified {
		res = append(res, c.pair)
	}
	log.Printf("[INFO] discovered %d pairs (min volume %.0f)", len(res), d.MinQuoteVolume)
	return res, nil
}

func (d *Discoverer) recentOpenInterest(ctx context.Context, client *http.Client, base, symbol string) (float64, error) {
	res := openInterest{}
	if err := d.get(ctx, client, base+"/fapi/v1/openInterest?symbol="+symbol, &res); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(res.OpenInterest), 64)
}

func (d *Discoverer) get(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("can't make request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close() // nolint errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("can't decode response from %s: %w", url, err)
	}
	return nil
}
