// Copyright 2022 Basalt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package baerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodesAndPredicates(t *testing.T) {
	err := NewKernel(3, "boom")
	require.True(t, IsCode(err, ErrKernel))
	require.False(t, IsCode(err, ErrInternal))
	require.False(t, IsExpected(err))

	closed := NewCacheClosed()
	require.True(t, closed.Expected())
	require.True(t, IsExpected(closed))

	cancelled := NewQueryCancelled()
	require.True(t, IsCode(cancelled, OkQueryCancelled))
	require.True(t, IsExpected(cancelled))
}

func TestWrappedErrors(t *testing.T) {
	inner := NewTransportTimeout(2, StageAck)
	wrapped := fmt.Errorf("send failed: %w", inner)
	require.True(t, IsCode(wrapped, ErrTransportTimeout))
	require.False(t, IsExpected(wrapped))
}

func TestMessages(t *testing.T) {
	require.Contains(t, NewPlanParse(7, "bad token").Error(), "line 7")
	require.Contains(t, NewTransportRefused(4, StageBegin).Error(), "begin-transmission")
	require.Contains(t, NewDuplicateEdge(2, "default").Error(), `"default"`)
}
