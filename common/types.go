/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"fmt"
	"sort"
	"strings"
)

// LifecycleEvent is a navigation milestone a caller can wait for.
type LifecycleEvent int

const (
	LifecycleEventLoad LifecycleEvent = iota
	LifecycleEventDOMContentLoad
	LifecycleEventNetworkIdle0
	LifecycleEventNetworkIdle2
)

func (l LifecycleEvent) String() string {
	return lifecycleEventToString[l]
}

// protocolName returns the name the browser reports in Page.lifecycleEvent.
func (l LifecycleEvent) protocolName() string {
	return lifecycleEventToProtocol[l]
}

var lifecycleEventToString = map[LifecycleEvent]string{
	LifecycleEventLoad:           "load",
	LifecycleEventDOMContentLoad: "domcontentloaded",
	LifecycleEventNetworkIdle0:   "networkidle0",
	LifecycleEventNetworkIdle2:   "networkidle2",
}

var lifecycleEventToID = map[string]LifecycleEvent{
	"load":             LifecycleEventLoad,
	"domcontentloaded": LifecycleEventDOMContentLoad,
	"networkidle0":     LifecycleEventNetworkIdle0,
	"networkidle2":     LifecycleEventNetworkIdle2,
}

var lifecycleEventToProtocol = map[LifecycleEvent]string{
	LifecycleEventLoad:           "load",
	LifecycleEventDOMContentLoad: "DOMContentLoaded",
	LifecycleEventNetworkIdle0:   "networkIdle",
	LifecycleEventNetworkIdle2:   "networkAlmostIdle",
}

// Protocol lifecycle names with special meaning to the frame tracker.
const (
	lifecycleInit             = "init"
	lifecycleDOMContentLoaded = "DOMContentLoaded"
	lifecycleLoad             = "load"
)

// MarshalText returns the string representation of the enum value.
// It returns an error if the enum value is invalid.
func (l *LifecycleEvent) MarshalText() ([]byte, error) {
	if l == nil {
		return []byte(""), nil
	}
	s, ok := lifecycleEventToString[*l]
	if !ok {
		return nil, fmt.Errorf("invalid lifecycle event: %v", int(*l))
	}

	return []byte(s), nil
}

// UnmarshalText unmarshals a text representation to the enum value.
// It returns an error if given a wrong value.
func (l *LifecycleEvent) UnmarshalText(text []byte) error {
	val := string(text)
	id, ok := lifecycleEventToID[val]
	if !ok {
		valid := make([]string, 0, len(lifecycleEventToID))
		for k := range lifecycleEventToID {
			valid = append(valid, k)
		}
		sort.Slice(valid, func(i, j int) bool {
			return lifecycleEventToID[valid[j]] > lifecycleEventToID[valid[i]]
		})
		return fmt.Errorf(
			"invalid lifecycle event: %q; must be one of: %s",
			val, strings.Join(valid, ", "))
	}
	*l = id

	return nil
}

// ParseLifecycleEvents parses a comma separated list of lifecycle event
// names, such as "load,networkidle0".
func ParseLifecycleEvents(list string) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var ev LifecycleEvent
		if err := ev.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return []LifecycleEvent{LifecycleEventLoad}, nil
	}

	return events, nil
}
