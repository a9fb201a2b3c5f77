// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"
	"sync"
)

// mockConv mocks a Convergence where all fields are directly editable.
type mockConv struct {
	mutex sync.Mutex

	// startable and startableRetry defines if this mockConv can be started.
	startable      bool
	startableRetry bool

	// reportChan is the channel, which can be directly used for mocking purpose.
	reportChan chan ConvergenceStatus

	// permanent defines if this mockConv is handled as permanent.
	permanent bool

	address string

	// starts and closes count the calls of Start and Close.
	starts int
	closes int
}

func newMockConv(startable bool, address string) *mockConv {
	return &mockConv{
		startable:      startable,
		startableRetry: true,
		reportChan:     make(chan ConvergenceStatus),
		address:        address,
	}
}

func (m *mockConv) Start() (err error, retry bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.starts++
	if !m.startable {
		err = fmt.Errorf("startable := false")
	}

	retry = m.startableRetry
	return
}

func (m *mockConv) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.closes++
	return nil
}

func (m *mockConv) counters() (starts, closes int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.starts, m.closes
}

func (m *mockConv) Channel() chan ConvergenceStatus { return m.reportChan }

func (m *mockConv) Address() string { return m.address }

func (m *mockConv) IsPermanent() bool { return m.permanent }

func (m *mockConv) String() string { return m.address }
