// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

// Package heartbeat fires at fixed wall-clock anchors (HH:MM in a configured
// IANA timezone) so operators get a liveness digest at predictable times of
// day, robust across DST shifts.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/pitchai/e2e-sentinel/pkg/util/log"
)

// Anchor is a wall-clock time of day.
type Anchor struct {
	Hour   int
	Minute int
}

func (a Anchor) String() string {
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

// ParseAnchors parses a list of "HH:MM" strings, deduplicates and sorts them.
func ParseAnchors(specs []string) ([]Anchor, error) {
	seen := map[Anchor]bool{}
	var out []Anchor
	for _, s := range specs {
		parts := strings.Split(strings.TrimSpace(s), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid heartbeat time %q, want HH:MM", s)
		}
		h, err := strconv.Atoi(parts[0])
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid heartbeat hour in %q", s)
		}
		m, err := strconv.Atoi(parts[1])
		if err != nil || m < 0 || m > 59 {
			return nil, fmt.Errorf("invalid heartbeat minute in %q", s)
		}
		a := Anchor{Hour: h, Minute: m}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out, nil
}

// Next returns the earliest future instant strictly after now that matches
// any anchor in loc. Using time.Date for today and tomorrow keeps the result
// correct through DST transitions, where naive duration math drifts an hour.
func Next(now time.Time, anchors []Anchor, loc *time.Location) time.Time {
	local := now.In(loc)
	best := time.Time{}
	for dayOff := 0; dayOff <= 1; dayOff++ {
		for _, a := range anchors {
			cand := time.Date(local.Year(), local.Month(), local.Day()+dayOff,
				a.Hour, a.Minute, 0, 0, loc)
			if !cand.After(now) {
				continue
			}
			if best.IsZero() || cand.Before(best) {
				best = cand
			}
		}
	}
	return best
}

// Loop wakes at each anchor and invokes fire until ctx is done. A fire that
// errors is logged and the loop keeps going.
type Loop struct {
	anchors []Anchor
	loc     *time.Location
	fire    func(ctx context.Context) error
}

// NewLoop validates the timezone and anchor list up front.
func NewLoop(tz string, times []string, fire func(ctx context.Context) error) (*Loop, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid heartbeat timezone %q: %v", tz, err)
	}
	anchors, err := ParseAnchors(times)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("heartbeat enabled but no times configured")
	}
	return &Loop{anchors: anchors, loc: loc, fire: fire}, nil
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		next := Next(time.Now(), l.anchors, l.loc)
		log.Debugf("Next heartbeat at %s", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := l.fire(ctx); err != nil {
			_ = log.Warnf("Heartbeat delivery failed: %v", err)
		}
	}
}
