package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/qrlogin"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/spf13/cobra"
)

var (
	notifyDevices bool
	assumeYes     bool
)

func init() {
	qrRequestCmd.Flags().BoolVar(&notifyDevices, "notify", true, "prompt the other signed in devices to approve")
	qrApproveCmd.Flags().BoolVar(&assumeYes, "yes", false, "approve without asking")

	qrCmd.AddCommand(qrRequestCmd, qrApproveCmd)
	rootCmd.AddCommand(qrCmd)
}

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Move the device share between two devices of the same user",
}

// qrRequestCmd runs on the new device
var qrRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask a signed in device for its device share",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(10 * time.Minute)
		defer cancel()

		relay := qrlogin.NewRelayClient(serverURL)
		requester := qrlogin.NewRequester(relay, serverURL)
		ticket, err := requester.Start(ctx)
		check(err)
		defer requester.Cancel()

		fmt.Printf("on your other device run: keyctl qr approve %s\n", ticket.QRPayload)
		fmt.Printf("or enter the code: %s\n", ticket.ShortCode)
		fmt.Printf("expires in %s\n", requester.Remaining().Round(time.Second))

		if notifyDevices {
			auth, aErr := authProvider()
			check(aErr)
			token, tErr := auth.GetIDToken(ctx)
			check(tErr)
			sent, nErr := relay.Notify(ctx, types.QrLoginNotifyRequest{
				AuthenticatedInput: types.AuthenticatedInput{AuthToken: token, ProviderType: auth.GetProviderType()},
				SessionID:          ticket.SessionID,
				ShortCode:          ticket.ShortCode,
			})
			if nErr != nil {
				level.Warn(global.Logger).Log("msg", "failed to notify devices", "error", nErr)
			} else if sent {
				fmt.Println("your other devices were notified")
			}
		}

		approval, err := requester.Wait(ctx)
		check(err)
		did, err := s.manager.CompleteCrossDeviceLogin(ctx, approval)
		check(err)
		fmt.Printf("signed in as %s\n", did)
	},
}

// qrApproveCmd runs on the device that holds the key
var qrApproveCmd = &cobra.Command{
	Use:   "approve <qr payload or short code>",
	Short: "Send this device's share to a waiting device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		check(err)
		ctx, cancel := commandContext(2 * time.Minute)
		defer cancel()
		state := s.ready(ctx)

		hint := ""
		if state.User != nil {
			hint = state.User.Email
		}
		approver := qrlogin.NewApprover(qrlogin.NewRelayClient(serverURL), serverURL, s.manager, state.DID, hint)
		check(approver.Load(ctx, args[0]))

		session := approver.Session()
		fmt.Printf("session %s from %s expires in %ds\n", session.ShortCode, session.SessionID, session.ExpiresInSeconds)
		if !assumeYes && !confirm("approve this sign in?") {
			check(approver.Deny())
			fmt.Println("denied")
			return
		}
		check(approver.Approve(ctx))
		fmt.Println("approved")
	},
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
