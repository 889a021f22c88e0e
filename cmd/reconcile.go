/*
Copyright 2025 Alloq Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// reconcileCommands returns the command that replays the allocation ledger
// against the capacity counters and reports any drift. With --repair the
// counters are reset to the replayed values.
func reconcileCommands(a *alloqInstance) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "check capacity counters against the allocation ledger",
		Run: func(cmd *cobra.Command, args []string) {
			mismatches, err := a.engine.ReconcileCapacity(context.Background(), repair)
			if err != nil && len(mismatches) == 0 {
				log.Fatal(err)
			}

			if len(mismatches) == 0 {
				fmt.Println("Capacity counters match the ledger.")
				return
			}

			for ownerID, delta := range mismatches {
				fmt.Printf("owner %s drifted by %d\n", ownerID, delta)
			}
			if repair {
				fmt.Printf("Repaired %d counters.\n", len(mismatches))
			} else {
				fmt.Printf("%d counters drifted. Re-run with --repair to fix.\n", len(mismatches))
			}
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "reset drifted counters to the ledger-derived values")

	return cmd
}
