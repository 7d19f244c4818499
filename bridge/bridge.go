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

package bridge

import (
	log "github.com/sirupsen/logrus"

	"mailfunnel/fault"
)

// Fetcher is the part of the mailbox session the bridge loop drives.
type Fetcher interface {
	Connect() error

	FetchDeliverUnflagged() error

	HasIdle() bool

	RunIdleLoop() error
}

// Run connects the mailbox session, drains the backlog and then waits for new
// mail until something fails. There is no retry logic, any error ends the
// run. Teardown is the caller's job regardless of the outcome, as is mapping
// the result to a process exit code.
func Run(f Fetcher) error {
	log.Info("bridge_connecting")
	if err := f.Connect(); err != nil {
		if fault.IsFetch(err, fault.FetchAuthentication) {
			log.WithError(err).Error("bridge_login_failed")
		} else {
			log.WithError(err).Error("bridge_connection_failed")
		}
		return err
	}

	log.Info("bridge_initial_fetch")
	if err := f.FetchDeliverUnflagged(); err != nil {
		logRunError(err)
		return err
	}

	if !f.HasIdle() {
		log.Warn("bridge_ending_idle_unsupported")
		return nil
	}

	log.Info("bridge_waiting_for_messages")
	if err := f.RunIdleLoop(); err != nil {
		logRunError(err)
		return err
	}

	return nil
}

func logRunError(err error) {
	if fault.IsDeliverSide(err) {
		log.WithError(err).Error("bridge_deliverer_error")
	} else {
		log.WithError(err).Error("bridge_fetcher_error")
	}
}
