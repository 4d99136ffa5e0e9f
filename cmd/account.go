package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mailio/go-mailio-keyshare/keyclient"
	"github.com/spf13/cobra"
)

var (
	legacySeed  string
	confirmFlag bool
)

func init() {
	migrateCmd.Flags().StringVar(&legacySeed, "seed", "", "hex encoded 32 byte ed25519 seed of the legacy key")
	_ = migrateCmd.MarkFlagRequired("seed")
	deleteCmd.Flags().BoolVar(&confirmFlag, "yes", false, "confirm the deletion")

	rootCmd.AddCommand(statusCmd, setupCmd, migrateCmd, rotateCmd, logoutCmd, deleteCmd)
}

func printState(state keyclient.State) {
	fmt.Printf("status: %s\n", state.Status)
	if state.User != nil {
		fmt.Printf("user:   %s\n", state.User.ID)
	}
	if state.DID != "" {
		fmt.Printf("did:    %s\n", state.DID)
	}
	if len(state.RecoveryMethods) > 0 {
		methods := make([]string, 0, len(state.RecoveryMethods))
		for _, m := range state.RecoveryMethods {
			if m.ShareVersion != nil {
				methods = append(methods, fmt.Sprintf("%s(v%d)", m.Type, *m.ShareVersion))
			} else {
				methods = append(methods, string(m.Type))
			}
		}
		fmt.Printf("recovery: %s\n", strings.Join(methods, ", "))
	}
	if state.Err != nil {
		fmt.Printf("error:  %v\n", state.Err)
	}
}

// statusCmd unlocks the key when the device share is present and prints what is left to do
var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"login"},
	Short:   "Unlock the key and show what is left to do",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		printState(s.coordinator.Initialize(ctx))
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create and split a new key",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		if state := s.coordinator.Initialize(ctx); state.Status == keyclient.StatusError {
			check(state.Err)
		}
		state, err := s.coordinator.Setup(ctx)
		check(err)
		printState(state)
		fmt.Println("add a recovery method now: keyctl recovery add --help")
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Split an existing legacy key",
	Run: func(cmd *cobra.Command, args []string) {
		seed, err := hex.DecodeString(strings.TrimSpace(legacySeed))
		check(err)
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		if state := s.coordinator.Initialize(ctx); state.Status == keyclient.StatusError {
			check(state.Err)
		}
		state, err := s.coordinator.Migrate(ctx, seed)
		check(err)
		printState(state)
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-split the key into a new share version",
	Long:  "Re-split the key. Recovery methods of older versions keep working until their version is pruned.",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		s.ready(ctx)
		version, err := s.manager.Rotate(ctx)
		check(err)
		fmt.Printf("share version: %d\n", version)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the local shares",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(10 * time.Second)
		defer cancel()
		check(s.coordinator.Logout(ctx))
		fmt.Println("signed out")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the key record on the server and all local shares",
	Run: func(cmd *cobra.Command, args []string) {
		if !confirmFlag {
			check(fmt.Errorf("this deletes the key for good, pass --yes to continue"))
		}
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		check(s.manager.DeleteAccount(ctx))
		fmt.Println("deleted")
	},
}
