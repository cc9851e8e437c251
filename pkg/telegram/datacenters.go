// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telegram

import "fmt"

// The service's own help.getConfig discovery endpoint is known to report
// incorrect data center addresses, so redirects are resolved against
// this fixed table instead.
var dataCenters = map[int]Endpoint{
	1: {Host: "149.154.175.50", Port: 443},
	2: {Host: "149.154.167.51", Port: 443},
	3: {Host: "149.154.175.100", Port: 443},
	4: {Host: "149.154.167.91", Port: 443},
	5: {Host: "149.154.171.5", Port: 443},
}

// DefaultDC is the primary data center used for first connections before
// any redirect has assigned a region.
const DefaultDC = 2

// DataCenter resolves a data center index to its endpoint.
func DataCenter(dc int) (Endpoint, error) {
	ep, ok := dataCenters[dc]
	if !ok {
		return Endpoint{}, fmt.Errorf("unknown data center %d", dc)
	}
	return ep, nil
}
