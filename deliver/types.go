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

package deliver

// Deliverer hands one message at a time to the downstream delivery endpoint.
//
// DeliverMessage returns nil only when the endpoint accepted the message for
// the configured recipient; every other outcome is an error. A nil return is
// the signal that the message may be marked as delivered upstream.
type Deliverer interface {
	Connect() error

	DeliverMessage(message []byte) error

	// Disconnect shuts the session down best-effort. It never fails.
	Disconnect()
}
