package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mailio/go-mailio-keyshare/backupsink"
	"github.com/mailio/go-mailio-keyshare/keyclient"
	"github.com/mailio/go-mailio-keyshare/recovery"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/spf13/cobra"
)

var (
	methodType     string
	methodPassword string
	methodEmail    string
	methodPhrase   string
	methodShare    string
	backupFile     string
)

func init() {
	recoveryCmd.PersistentFlags().StringVarP(&methodType, "type", "t", "", "recovery method: password, phrase, backup or email")
	recoveryCmd.PersistentFlags().StringVar(&methodPassword, "password", os.Getenv("KEYSHARE_PASSWORD"), "password of password and backup methods")
	recoveryAddCmd.Flags().StringVar(&methodEmail, "email", "", "mailbox the recovery share is sent to")
	addSinkFlags(recoveryAddCmd)

	recoveryRestoreCmd.Flags().StringVar(&methodPhrase, "phrase", "", "recovery phrase")
	recoveryRestoreCmd.Flags().StringVar(&methodShare, "share", "", "recovery share received by email")
	recoveryRestoreCmd.Flags().StringVar(&backupFile, "file", "", "backup file")

	recoveryCmd.AddCommand(recoveryAddCmd, recoveryListCmd, recoveryRestoreCmd)
	rootCmd.AddCommand(recoveryCmd)
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Manage recovery methods",
}

var recoveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered recovery methods",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()
		methods, err := s.manager.RecoveryMethods(ctx)
		check(err)
		if len(methods) == 0 {
			fmt.Println("no recovery methods")
			return
		}
		for _, m := range methods {
			version := "-"
			if m.ShareVersion != nil {
				version = fmt.Sprintf("v%d", *m.ShareVersion)
			}
			fmt.Printf("%-10s %-4s %s %s\n", m.Type, version, m.CreatedAt.Format(time.RFC3339), m.CredentialID)
		}
	},
}

// passkeys need a platform authenticator, which a terminal does not have
func methodForAdd() (recovery.Method, error) {
	switch types.RecoveryMethodType(methodType) {
	case types.RecoveryMethodPassword:
		if methodPassword == "" {
			return nil, fmt.Errorf("--password is required")
		}
		return recovery.PasswordMethod{Password: methodPassword}, nil
	case types.RecoveryMethodPhrase:
		return recovery.PhraseMethod{}, nil
	case types.RecoveryMethodBackup:
		if methodPassword == "" {
			return nil, fmt.Errorf("--password is required")
		}
		return recovery.BackupMethod{Password: methodPassword}, nil
	case types.RecoveryMethodEmail:
		if methodEmail == "" {
			return nil, fmt.Errorf("--email is required")
		}
		return recovery.EmailMethod{Email: methodEmail}, nil
	}
	return nil, fmt.Errorf("unsupported recovery method %q", methodType)
}

var recoveryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Protect the recovery share with a new method",
	Run: func(cmd *cobra.Command, args []string) {
		method, err := methodForAdd()
		check(err)
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(time.Minute)
		defer cancel()
		state := s.ready(ctx)

		added, err := s.manager.AddRecoveryMethod(ctx, method)
		check(err)
		fmt.Printf("added %s recovery for share version %d\n", added.Type, added.ShareVersion)

		switch {
		case added.Phrase != "":
			fmt.Printf("\nwrite down your recovery phrase, it is not shown again:\n\n%s\n\n", added.Phrase)
		case added.Backup != nil:
			location, sErr := saveBackup(ctx, state.DID, added.ShareVersion, added.Backup)
			check(sErr)
			fmt.Printf("backup saved to %s\n", location)
		case added.Type == types.RecoveryMethodEmail:
			fmt.Println("recovery email sent")
		}
	},
}

func methodForRestore() (recovery.Method, error) {
	switch types.RecoveryMethodType(methodType) {
	case types.RecoveryMethodPassword:
		return recovery.PasswordMethod{Password: methodPassword}, nil
	case types.RecoveryMethodPhrase:
		if methodPhrase == "" {
			return nil, fmt.Errorf("--phrase is required")
		}
		return recovery.PhraseMethod{Phrase: methodPhrase}, nil
	case types.RecoveryMethodBackup:
		if backupFile == "" {
			return nil, fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(backupFile)
		if err != nil {
			return nil, err
		}
		return recovery.BackupMethod{File: data, Password: methodPassword}, nil
	case types.RecoveryMethodEmail:
		if methodShare == "" {
			return nil, fmt.Errorf("--share is required")
		}
		return recovery.EmailMethod{EmailShare: methodShare}, nil
	}
	return nil, fmt.Errorf("unsupported recovery method %q", methodType)
}

var recoveryRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Unlock the key on this device with a recovery method",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(time.Minute)
		defer cancel()
		method, err := methodForRestore()
		check(err)

		state := s.coordinator.Initialize(ctx)
		if state.Status == keyclient.StatusReady {
			fmt.Printf("key already unlocked: %s\n", state.DID)
			return
		}
		state, err = s.coordinator.Recover(ctx, method)
		check(err)
		printState(state)
	},
}

func saveBackup(ctx context.Context, did string, version int, data []byte) (string, error) {
	sink, err := openSink(ctx)
	if err != nil {
		return "", err
	}
	return sink.Save(ctx, backupsink.BackupName(did, version, time.Now()), data)
}
