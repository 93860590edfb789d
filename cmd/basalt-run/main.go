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

// basalt-run executes a plan file against a generated in-memory table
// and prints the result. Single-node only; it exists to exercise the
// engine end to end without a SQL frontend.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/logutil"
	"github.com/basaltdb/basalt/pkg/sql/compile"
	"github.com/basaltdb/basalt/pkg/testutil"
)

func main() {
	confPath := flag.String("config", "", "engine config file (toml)")
	planPath := flag.String("plan", "", "plan file to execute")
	rows := flag.Int("rows", 100000, "rows in the generated table t")
	batches := flag.Int("batches", 10, "batches the table is split into")
	seed := flag.Int64("seed", 1, "rng seed for the generated data")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: basalt-run -plan query.plan [-config engine.toml]")
		os.Exit(2)
	}

	conf := &config.EngineConfig{}
	if *confPath != "" {
		var err error
		conf, err = config.Load(*confPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	conf.FillDefault()
	if err := logutil.Setup(conf.LogLevel, conf.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	planText, err := os.ReadFile(*planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	provider := testutil.NewMemProvider()
	rnd := rand.New(rand.NewSource(*seed))
	perBatch := *rows / *batches
	var parts [][]int32
	for b := 0; b < *batches; b++ {
		vals := make([]int32, perBatch)
		for i := range vals {
			vals[i] = rnd.Int31()
		}
		parts = append(parts, vals)
	}
	provider.AddInt32Table("t", "k", parts...)

	rt := compile.NewRuntime(conf, provider)
	defer func() { _ = rt.Close() }()

	proc := rt.NewQuery(uint32(rnd.Int31()), nil)
	c, err := rt.Generate(proc, string(planText))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprint(os.Stderr, c.Graph().Show())

	if err := c.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	result, err := c.Wait()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	total := 0
	for _, bat := range result {
		fmt.Print(bat.String())
		total += bat.RowCount()
		bat.Clean(proc.Mp)
	}
	fmt.Printf("(%d rows)\n", total)
}
