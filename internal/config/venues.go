package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// VenueEndpoint holds the reachable surface of one venue.
type VenueEndpoint struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
	Extra   string `mapstructure:"extra"` // Secondary API host where a venue splits its surface (e.g. data vs clob)
	RPCURL  string `mapstructure:"rpc_url"`
}

// VenueEndpoints maps venue tag to its endpoints. Defaults cover every
// supported venue; a venues.yaml file and MERIDIAN_<VENUE>_URL env vars
// override individual entries.
type VenueEndpoints map[string]VenueEndpoint

// defaultEndpoints are the public production endpoints per venue.
func defaultEndpoints() VenueEndpoints {
	return VenueEndpoints{
		"polymarket": {
			BaseURL: "https://clob.polymarket.com",
			Extra:   "https://data-api.polymarket.com",
			WSURL:   "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		"kalshi":      {BaseURL: "https://api.elections.kalshi.com/trade-api/v2"},
		"hyperliquid": {BaseURL: "https://api.hyperliquid.xyz"},
		"binance":     {BaseURL: "https://fapi.binance.com"},
		"bybit":       {BaseURL: "https://api.bybit.com"},
		"mexc":        {BaseURL: "https://contract.mexc.com"},
		"drift":       {BaseURL: "https://data.api.drift.trade", RPCURL: "https://api.mainnet-beta.solana.com"},
		"manifold":    {BaseURL: "https://api.manifold.markets"},
		"jupiter":     {BaseURL: "https://quote-api.jup.ag/v6", RPCURL: "https://api.mainnet-beta.solana.com"},
		"pumpfun":     {BaseURL: "https://frontend-api.pump.fun", RPCURL: "https://api.mainnet-beta.solana.com"},
		"raydium":     {BaseURL: "https://api-v3.raydium.io", RPCURL: "https://api.mainnet-beta.solana.com"},
		"orca":        {BaseURL: "https://api.orca.so", RPCURL: "https://api.mainnet-beta.solana.com"},
		"meteora":     {BaseURL: "https://dlmm-api.meteora.ag", RPCURL: "https://api.mainnet-beta.solana.com"},
		"evmdex":      {BaseURL: "https://api.0x.org"},
	}
}

// LoadVenueEndpoints builds the endpoint table: defaults, then the optional
// YAML file, then MERIDIAN_<VENUE>_URL / MERIDIAN_<VENUE>_RPC_URL env vars.
func LoadVenueEndpoints(path string) (VenueEndpoints, error) {
	endpoints := defaultEndpoints()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read venues file %s: %w", path, err)
		}
		var fileEndpoints map[string]VenueEndpoint
		if err := v.UnmarshalKey("venues", &fileEndpoints); err != nil {
			return nil, fmt.Errorf("unmarshal venues file: %w", err)
		}
		for tag, ep := range fileEndpoints {
			merged := endpoints[tag]
			if ep.BaseURL != "" {
				merged.BaseURL = ep.BaseURL
			}
			if ep.WSURL != "" {
				merged.WSURL = ep.WSURL
			}
			if ep.Extra != "" {
				merged.Extra = ep.Extra
			}
			if ep.RPCURL != "" {
				merged.RPCURL = ep.RPCURL
			}
			endpoints[tag] = merged
		}
	}

	// Env overrides beat the file
	for tag := range endpoints {
		upper := strings.ToUpper(tag)
		ep := endpoints[tag]
		if url := os.Getenv("MERIDIAN_" + upper + "_URL"); url != "" {
			ep.BaseURL = url
		}
		if url := os.Getenv("MERIDIAN_" + upper + "_RPC_URL"); url != "" {
			ep.RPCURL = url
		}
		endpoints[tag] = ep
	}

	return endpoints, nil
}

// Get returns the endpoint entry for a venue tag, or an empty entry.
func (v VenueEndpoints) Get(tag string) VenueEndpoint {
	return v[tag]
}
