// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Manager monitors and manages the various CLAs, restarts them if necessary,
// and forwards the ConvergenceStatus messages. The recipient can perform
// further actions based on these, but does not have to take care of the
// CLA administration themselves.
type Manager struct {
	// queueTtl is the amount of retries for a CLA.
	queueTtl int

	// retryTime is the duration between two activation attempts.
	retryTime time.Duration

	// convs maps each CLA's address to a wrapped convergenceElem struct.
	// convs: Map[string]*convergenceElem
	convs *sync.Map

	// inChnl receives ConvergenceStatus while outChnl passes it on. While inChnl
	// is buffered, outChnl is not. Thus, outChnl must always be read, otherwise
	// the Manager will block.
	inChnl  chan ConvergenceStatus
	outChnl chan ConvergenceStatus

	// stop{Syn,Ack} are used to supervise closing this Manager, see Close()
	stopSyn chan struct{}
	stopAck chan struct{}

	// stopFlag and its mutex protect the Manager against acting on new CLAs
	// after the Close method was called once.
	stopFlag      bool
	stopFlagMutex sync.Mutex

	closeErr error
}

// NewManager creates a new Manager to supervise different CLAs.
func NewManager() *Manager {
	return newManager(10, 10*time.Second)
}

func newManager(queueTtl int, retryTime time.Duration) *Manager {
	manager := &Manager{
		queueTtl:  queueTtl,
		retryTime: retryTime,

		convs: new(sync.Map),

		inChnl:  make(chan ConvergenceStatus, 100),
		outChnl: make(chan ConvergenceStatus),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go manager.handler()

	return manager
}

// handler is the internal goroutine for management.
func (manager *Manager) handler() {
	activateTicker := time.NewTicker(manager.retryTime)
	defer activateTicker.Stop()

	for {
		select {
		case <-manager.stopSyn:
			log.Debug("CLA Manager received closing signal")

			var errs error
			manager.convs.Range(func(key, convElem interface{}) bool {
				if err := convElem.(*convergenceElem).deactivate(manager.queueTtl); err != nil {
					errs = multierror.Append(errs, err)
				}
				manager.convs.Delete(key)
				return true
			})
			manager.closeErr = errs

			close(manager.outChnl)
			close(manager.stopAck)
			return

		case cs := <-manager.inChnl:
			log.WithFields(log.Fields{
				"type":   cs.MessageType,
				"status": cs.String(),
			}).Debug("CLA Manager received ConvergenceStatus")

			if cs.MessageType == ConvergenceFailed {
				log.WithFields(log.Fields{
					"cla":   cs.Sender,
					"error": cs.Message,
				}).Warn("CLA Manager received Convergence Failed, restarting CLA")

				manager.Restart(cs.Sender)
			}

			select {
			case manager.outChnl <- cs:
			case <-manager.stopSyn:
				// Handled within the next iteration.
			}

		case <-activateTicker.C:
			manager.convs.Range(func(key, convElem interface{}) bool {
				ce := convElem.(*convergenceElem)
				if ce.isActive() {
					return true
				}

				if successful, retry := ce.activate(); !successful && !retry {
					log.WithField("cla", ce.conv).Warn("Startup of CLA failed, a retry should not be made")

					manager.convs.Delete(key)
				}
				return true
			})
		}
	}
}

// Channel references the outgoing channel for ConvergenceStatus messages.
func (manager *Manager) Channel() chan ConvergenceStatus {
	return manager.outChnl
}

// isStopped signals if the Manager should be stopped.
func (manager *Manager) isStopped() bool {
	manager.stopFlagMutex.Lock()
	defer manager.stopFlagMutex.Unlock()

	return manager.stopFlag
}

// Close the Manager and all supervised CLAs.
func (manager *Manager) Close() error {
	manager.stopFlagMutex.Lock()
	if manager.stopFlag {
		manager.stopFlagMutex.Unlock()
		return nil
	}
	manager.stopFlag = true
	manager.stopFlagMutex.Unlock()

	close(manager.stopSyn)
	<-manager.stopAck

	return manager.closeErr
}

// Register a Convergence to be started and supervised.
func (manager *Manager) Register(conv Convergence) {
	if manager.isStopped() {
		return
	}

	// Check if this CLA is already known. Re-activate a deactivated CLA or abort.
	var ce *convergenceElem
	if convElem, exists := manager.convs.Load(conv.Address()); exists {
		ce = convElem.(*convergenceElem)
		if ce.isActive() {
			log.WithFields(log.Fields{
				"cla":     conv,
				"address": conv.Address(),
			}).Debug("CLA registration failed, because this address does already exists")

			return
		}
	} else {
		ce = newConvergenceElement(conv, manager.inChnl, manager.queueTtl)
	}

	if successful, retry := ce.activate(); !successful && !retry {
		log.WithFields(log.Fields{
			"cla":     conv,
			"address": conv.Address(),
		}).Warn("Startup of CLA failed, a retry should not be made")
	} else {
		manager.convs.Store(conv.Address(), ce)
	}
}

// Unregister and close a Convergence.
func (manager *Manager) Unregister(conv Convergence) {
	convElem, exists := manager.convs.Load(conv.Address())
	if !exists {
		log.WithFields(log.Fields{
			"cla":     conv,
			"address": conv.Address(),
		}).Info("CLA unregistration failed, this address does not exists")

		return
	}

	if err := convElem.(*convergenceElem).deactivate(manager.queueTtl); err != nil {
		log.WithError(err).WithField("cla", conv).Warn("Closing CLA errored")
	}
	manager.convs.Delete(conv.Address())
}

// Restart a known Convergence.
func (manager *Manager) Restart(conv Convergence) {
	manager.Unregister(conv)
	manager.Register(conv)
}

// Convergences returns an array of all active Convergences.
func (manager *Manager) Convergences() (convs []Convergence) {
	manager.convs.Range(func(_, convElem interface{}) bool {
		if ce := convElem.(*convergenceElem); ce.isActive() {
			convs = append(convs, ce.conv)
		}
		return true
	})
	return
}
