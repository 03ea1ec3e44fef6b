// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

func TestBackendScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backend Scenario Suite")
}
