// Copyright 2025 The carbide Authors
// This file is part of the carbide library.
//
// The carbide library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The carbide library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the carbide library. If not, see <http://www.gnu.org/licenses/>.

// Contains the metrics collected by the consensus engine.

package beacon

import (
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	forkchoiceUpdatedMeter = metrics.NewRegisteredMeter("carbide/engine/forkchoice/messages", nil)
	newPayloadMeter        = metrics.NewRegisteredMeter("carbide/engine/newpayload/messages", nil)

	makeCanonicalTimer = metrics.NewRegisteredTimer("carbide/engine/canonical", nil)

	pipelineRunMeter    = metrics.NewRegisteredMeter("carbide/engine/pipeline/runs", nil)
	hookStartMeter      = metrics.NewRegisteredMeter("carbide/engine/hooks/started", nil)
	hookFailMeter       = metrics.NewRegisteredMeter("carbide/engine/hooks/failed", nil)
	blockDownloadMeter  = metrics.NewRegisteredMeter("carbide/engine/download/blocks", nil)
	downloadCancelMeter = metrics.NewRegisteredMeter("carbide/engine/download/cancels", nil)
)
