/*
 * MailFunnel - Copyright (C) 2023 The MailFunnel Authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package mailflag holds the keyword flag that records a delivered message and
// the checks around it. Everything here operates on flag lists as parsed by
// the IMAP client library.
package mailflag

import "strings"

// Fetched is stored on a message only after its delivery has been confirmed.
// A message carrying it is never delivered again.
const Fetched = "MailfunnelFetched"

// wildcard marker in PERMANENTFLAGS, RFC 3501 section 6.3.1. Its presence
// means the server lets clients create arbitrary keyword flags.
const wildcard = "\\*"

// Has reports whether keyword is present in flags. Servers may normalize the
// case of keyword flags, so the comparison is case-insensitive.
func Has(flags []string, keyword string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, keyword) {
			return true
		}
	}
	return false
}

// SupportsCustom reports whether a SELECT response's PERMANENTFLAGS list
// advertises the wildcard marker. Without it the deduplication flag would not
// persist and the bridge cannot operate.
func SupportsCustom(permanentFlags []string) bool {
	for _, f := range permanentFlags {
		if f == wildcard {
			return true
		}
	}
	return false
}
