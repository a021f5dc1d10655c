package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Coordinates is a latitude/longitude pair in decimal degrees
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%s, %s", formatCoordinate(c.Lat), formatCoordinate(c.Lon))
}

// jakarta is the built-in fallback map centre
var jakarta = Coordinates{Lat: -6.2, Lon: 106.816666}

// Locator determines the current position of the user
type Locator interface {
	Locate(ctx context.Context) (Coordinates, error)
}

// MapOptions selects how the map centre is chosen. An explicit Center wins;
// otherwise Locate asks the Locator before falling back to the default.
type MapOptions struct {
	Center *Coordinates
	Locate bool
}

// ResolveCenter picks the map centre for opts. A failing or slow locator is
// never an error: the fallback centre is returned instead.
func ResolveCenter(ctx context.Context, opts MapOptions, locator Locator, fallback Coordinates, timeout time.Duration) Coordinates {
	if opts.Center != nil {
		return *opts.Center
	}

	if !opts.Locate || locator == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type located struct {
		pos Coordinates
		err error
	}
	done := make(chan located, 1)
	go func() {
		pos, err := locator.Locate(ctx)
		done <- located{pos, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			slog.Warn("Geolocation failed, using default centre", "error", res.err, "center", fallback)
			return fallback
		}
		slog.Debug("Located user", "center", res.pos)
		return res.pos
	case <-ctx.Done():
		slog.Warn("Geolocation request timed out, using default centre", "timeout", timeout, "center", fallback)
		return fallback
	}
}

// ipLocator estimates the position from the public IP address using an
// ip-api.com compatible JSON endpoint
type ipLocator struct {
	url    string
	client *http.Client
}

// NewIPLocator returns a Locator backed by the lookup service at url
func NewIPLocator(url string) Locator {
	return &ipLocator{url: url, client: &http.Client{}}
}

type ipLookupResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// Locate queries the lookup service
func (l *ipLocator) Locate(ctx context.Context) (Coordinates, error) {
	req, err := newJSONRequest(http.MethodGet, l.url, nil)
	if err != nil {
		return Coordinates{}, err
	}

	res, err := requestWithTimeout(ctx, l.client, req, 0)
	if err != nil {
		return Coordinates{}, err
	}
	if !res.ok() {
		return Coordinates{}, httpStatusError(res)
	}

	var lookup ipLookupResponse
	if err := json.Unmarshal(res.Body, &lookup); err != nil {
		return Coordinates{}, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if lookup.Status != "" && lookup.Status != "success" {
		return Coordinates{}, fmt.Errorf("lookup failed: %s", lookup.Message)
	}
	if lookup.Lat == nil || lookup.Lon == nil {
		return Coordinates{}, errors.New("lookup returned no position")
	}

	return Coordinates{Lat: *lookup.Lat, Lon: *lookup.Lon}, nil
}
