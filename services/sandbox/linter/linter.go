// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linter

import (
	"context"
	"time"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

// Lint evaluates every registered rule in order.
//
// Description:
//
//	Rules are pure functions of the input. Each triggered rule yields
//	exactly one flag; rules that do not find the statistics they need
//	stay silent.
//
// Inputs:
//
//	in - Evidence, optional profile metadata and task hints.
//
// Outputs:
//
//	[]datatypes.LinterFlag - Triggered rules in registration order.
//	Nil when evidence is nil or nothing triggered.
//
// Thread Safety: Safe for concurrent use.
func Lint(in Input) []datatypes.LinterFlag {
	if in.Evidence == nil {
		return nil
	}
	start := time.Now()

	top, charts := scopes(in.Evidence.Fields)
	e := &env{in: in, top: top, charts: charts}

	var flags []datatypes.LinterFlag
	for _, r := range registry {
		if msg, hit := r.check(e); hit {
			flags = append(flags, datatypes.LinterFlag{Rule: r.id, Level: r.level, Message: msg})
		}
	}

	recordLint(context.Background(), flags, time.Since(start))
	return flags
}
