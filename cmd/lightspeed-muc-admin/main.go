package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/persistence"
	"github.com/tcriess/lightspeed-muc/types"
)

// A very simple CLI tool for the administration of persisted rooms and
// affiliations.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or affiliations",
		Long:  `show prints persisted room or affiliation information.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Show: " + strings.Join(args, " "))
		},
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all persisted rooms.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.LoadRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			r, err := json.Marshal(rooms)
			if err != nil {
				globals.AppLogger.Error("could not marshal rooms", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room name]",
		Short: "Show room",
		Long:  `show room prints the room record and all affiliations of the room with the given name.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			record, affiliations, err := persister.LoadRoom(strings.ToLower(args[0]))
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			out := struct {
				Room         *persistence.RoomRecord          `json:"room"`
				Affiliations []*persistence.AffiliationRecord `json:"affiliations"`
			}{record, affiliations}
			r, err := json.Marshal(out)
			if err != nil {
				globals.AppLogger.Error("could not marshal room", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete room or affiliation",
		Long:  `delete removes a persisted room or a single affiliation.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Delete: " + strings.Join(args, " "))
		},
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room name]",
		Short: "Delete room",
		Long:  `delete room removes the persisted room with the given name, including its affiliations.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := persister.DeleteRoom(strings.ToLower(args[0]))
			if err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
				return
			}
		},
	}
	var cmdDeleteAffiliation = &cobra.Command{
		Use:   "affiliation [room name] [jid]",
		Short: "Delete affiliation",
		Long:  `delete affiliation removes the affiliation of the given bare JID with the given room.`,
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			jid, err := types.ParseJID(args[1])
			if err != nil {
				globals.AppLogger.Error("could not parse jid", "error", err)
				return
			}
			err = persister.RemoveAffiliation(strings.ToLower(args[0]), jid.BareString(), types.AffiliationNone)
			if err != nil {
				globals.AppLogger.Error("could not remove affiliation", "error", err)
				return
			}
		},
	}
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "Create/update room or affiliation",
		Long:  `set creates or updates a persisted room or affiliation.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Set: " + strings.Join(args, " "))
		},
	}
	var cmdSetRoom = &cobra.Command{
		Use:   "room [room definition]",
		Short: "Set room",
		Long:  `set room creates or updates a room record. If the room definition is "-", the definition is read from STDIN.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var r io.Reader
			if args[0] == "-" {
				r = os.Stdin
			} else {
				r = bytes.NewReader([]byte(args[0]))
			}
			dec := json.NewDecoder(r)
			record := persistence.RoomRecord{}
			if err := dec.Decode(&record); err != nil {
				globals.AppLogger.Error("could not decode room", "error", err)
				return
			}
			if record.Name == "" {
				globals.AppLogger.Error("no room name")
				return
			}
			record.Name = strings.ToLower(record.Name)
			_, affiliations, err := persister.LoadRoom(record.Name)
			if err != nil {
				globals.AppLogger.Info("room does not exist, creating")
				affiliations = nil
			}
			if err := persister.SaveRoom(record, affiliations); err != nil {
				globals.AppLogger.Error("could not store room", "error", err)
				return
			}
		},
	}
	var cmdSetAffiliation = &cobra.Command{
		Use:   "affiliation [room name] [jid] [affiliation]",
		Short: "Set affiliation",
		Long:  `set affiliation stores the affiliation (owner, admin, member, outcast) of the given bare JID with the given room. An optional fourth argument reserves a member nickname.`,
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			jid, err := types.ParseJID(args[1])
			if err != nil {
				globals.AppLogger.Error("could not parse jid", "error", err)
				return
			}
			aff, err := types.ParseAffiliation(args[2])
			if err != nil {
				globals.AppLogger.Error("could not parse affiliation", "error", err)
				return
			}
			nickname := ""
			if len(args) > 3 {
				nickname = args[3]
			}
			roomName := strings.ToLower(args[0])
			if aff == types.AffiliationNone {
				err = persister.RemoveAffiliation(roomName, jid.BareString(), types.AffiliationNone)
			} else {
				err = persister.SaveAffiliation(roomName, jid.BareString(), nickname, aff, types.AffiliationNone)
			}
			if err != nil {
				globals.AppLogger.Error("could not store affiliation", "error", err)
				return
			}
		},
	}

	var rootCmd = &cobra.Command{Use: "lightspeed-muc-admin"}
	rootCmd.AddCommand(cmdShow)
	rootCmd.AddCommand(cmdDelete)
	rootCmd.AddCommand(cmdSet)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteAffiliation)
	cmdSet.AddCommand(cmdSetRoom, cmdSetAffiliation)
	rootCmd.Execute()
}
