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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// BrowserOptions configures a connection to a browser.
type BrowserOptions struct {
	// CommandTimeout bounds every command without an explicit
	// WithCommandTimeout override. Zero waits until the session closes.
	CommandTimeout time.Duration
	// Timeout is the default for waits that are not navigations.
	Timeout time.Duration
	// NavigationTimeout is the default for navigations.
	NavigationTimeout time.Duration
	// ExtraHTTPHeaders are sent with every request of every new page.
	ExtraHTTPHeaders map[string]string

	Metrics        *Metrics
	TracerProvider trace.TracerProvider
}

// NewBrowserOptions returns the default browser options.
func NewBrowserOptions() *BrowserOptions {
	return &BrowserOptions{
		CommandTimeout:    DefaultCommandTimeout,
		Timeout:           DefaultTimeout,
		NavigationTimeout: DefaultTimeout,
	}
}

// Validate reports every invalid option.
func (o *BrowserOptions) Validate() error {
	var errs []error
	if o.CommandTimeout < 0 {
		errs = append(errs, fmt.Errorf("command timeout must not be negative, got %s", o.CommandTimeout))
	}
	if o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", o.Timeout))
	}
	if o.NavigationTimeout < 0 {
		errs = append(errs, fmt.Errorf("navigation timeout must not be negative, got %s", o.NavigationTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid browser options: %w", err)
	}

	return nil
}
