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

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/testutil"
	"github.com/basaltdb/basalt/pkg/vm/process"
	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
)

func intBatch(t *testing.T, proc *process.Process, vals ...int32) *batch.Batch {
	t.Helper()
	return testutil.NewInt32Batch(proc, "k", vals)
}

func TestCacheFIFO(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := testutil.NewProc()
	c := New(proc, "fifo", Settings{Kind: Simple})

	for i := int32(0); i < 10; i++ {
		require.NoError(t, c.Put(intBatch(t, proc, i)))
	}
	c.Close()

	for i := int32(0); i < 10; i++ {
		bat, err := c.Pull()
		require.NoError(t, err)
		require.NotNil(t, bat)
		got := testutil.Int32Col([]*batch.Batch{bat}, 0)
		require.Equal(t, []int32{i}, got)
		bat.Clean(proc.Mp)
	}
	bat, err := c.Pull()
	require.NoError(t, err)
	require.Nil(t, bat)
}

func TestCachePutAfterClose(t *testing.T) {
	proc := testutil.NewProc()
	c := New(proc, "closed", Settings{Kind: Simple})
	c.Close()
	err := c.Put(intBatch(t, proc, 1))
	require.True(t, baerr.IsCode(err, baerr.OkCacheClosed))
}

func TestCacheCloseIdempotent(t *testing.T) {
	proc := testutil.NewProc()
	c := New(proc, "twice", Settings{Kind: Simple})
	require.NoError(t, c.Put(intBatch(t, proc, 1)))
	c.Close()
	c.Close()

	bat, err := c.Pull()
	require.NoError(t, err)
	require.NotNil(t, bat)
	bat.Clean(proc.Mp)

	bat, err = c.Pull()
	require.NoError(t, err)
	require.Nil(t, bat)
	require.True(t, c.Finished())
}

func TestCacheBackpressure(t *testing.T) {
	proc := testutil.NewProc()

	// ~256KiB per batch, 1MiB capacity
	const rows = 64 * 1024
	payload := make([]int32, rows)
	c := New(proc, "bp", Settings{Kind: Simple, CapacityBytes: 1 << 20})

	const numBatches = 100
	var produced, consumed int64
	var blocked atomic.Bool

	var wg sync.WaitGroup
	var putErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numBatches; i++ {
			bat := testutil.NewInt32Batch(proc, "k", payload)
			produced += int64(bat.Size())
			start := time.Now()
			if err := c.Put(bat); err != nil {
				putErr = err
				bat.Clean(proc.Mp)
				break
			}
			if time.Since(start) > 5*time.Millisecond {
				blocked.Store(true)
			}
		}
		c.Close()
	}()

	count := 0
	for {
		bat, err := c.Pull()
		require.NoError(t, err)
		if bat == nil {
			break
		}
		consumed += int64(bat.Size())
		count++
		// slow consumer so the producer hits the capacity wall
		if count < 10 {
			time.Sleep(2 * time.Millisecond)
		}
		bat.Clean(proc.Mp)
	}
	wg.Wait()

	require.NoError(t, putErr)
	require.Equal(t, numBatches, count)
	require.Equal(t, produced, consumed)
	require.True(t, blocked.Load(), "producer never blocked")
}

func TestCacheConcatenating(t *testing.T) {
	proc := testutil.NewProc()
	c := New(proc, "concat", Settings{Kind: Concatenating, ConcatBytes: 1 << 20})

	for i := int32(0); i < 5; i++ {
		require.NoError(t, c.Put(intBatch(t, proc, i*2, i*2+1)))
	}
	c.Close()

	bat, err := c.Pull()
	require.NoError(t, err)
	require.NotNil(t, bat)
	require.Equal(t, 10, bat.RowCount())
	require.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		testutil.Int32Col([]*batch.Batch{bat}, 0))
	bat.Clean(proc.Mp)

	bat, err = c.Pull()
	require.NoError(t, err)
	require.Nil(t, bat)
}

func TestCacheForEach(t *testing.T) {
	proc := testutil.NewProc()
	c := New(proc, "foreach", Settings{Kind: ForEach, NumPartitions: 3})

	require.NoError(t, c.PutPartition(intBatch(t, proc, 0), 0))
	require.NoError(t, c.PutPartition(intBatch(t, proc, 1), 1))
	require.NoError(t, c.PutPartition(intBatch(t, proc, 2), 2))
	require.NoError(t, c.PutPartition(intBatch(t, proc, 10), 0))
	c.Close()

	bat, err := c.PullPartition(0)
	require.NoError(t, err)
	require.Equal(t, []int32{0}, testutil.Int32Col([]*batch.Batch{bat}, 0))
	bat.Clean(proc.Mp)

	bat, err = c.PullPartition(0)
	require.NoError(t, err)
	require.Equal(t, []int32{10}, testutil.Int32Col([]*batch.Batch{bat}, 0))
	bat.Clean(proc.Mp)

	bat, err = c.PullPartition(0)
	require.NoError(t, err)
	require.Nil(t, bat)

	bat, err = c.PullPartition(2)
	require.NoError(t, err)
	require.Equal(t, []int32{2}, testutil.Int32Col([]*batch.Batch{bat}, 0))
	bat.Clean(proc.Mp)
}

func TestCacheCancellationUnblocksPull(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := testutil.NewProc()
	c := New(proc, "cancel", Settings{Kind: Simple})

	done := make(chan error, 1)
	go func() {
		_, err := c.Pull()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	proc.Cancel()

	select {
	case err := <-done:
		require.True(t, baerr.IsCode(err, baerr.OkQueryCancelled))
	case <-time.After(time.Second):
		t.Fatal("pull did not observe cancellation")
	}
}

func TestCachePauseResume(t *testing.T) {
	proc := testutil.NewProc()
	c := New(proc, "pause", Settings{Kind: Simple})
	c.Pause()

	done := make(chan error, 1)
	go func() {
		done <- c.Put(intBatch(t, proc, 1))
	}()

	select {
	case <-done:
		t.Fatal("put proceeded while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not resume")
	}
	c.Close()
}

func TestCacheWaitUntilFinished(t *testing.T) {
	proc := testutil.NewProc()
	c := New(proc, "wait", Settings{Kind: Simple})
	require.NoError(t, c.Put(intBatch(t, proc, 1)))

	go func() {
		bat, _ := c.Pull()
		bat.Clean(proc.Mp)
		c.Close()
	}()

	require.NoError(t, c.WaitUntilFinished())
	rows, exact := c.EstimatedRows()
	require.Equal(t, int64(1), rows)
	require.True(t, exact)
}
