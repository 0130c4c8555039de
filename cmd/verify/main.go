package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/VincentVerdynanta/utsuru/pkg/config"
)

// verify is a standalone sanity check for a Discord bot token: it opens a
// REST session and fetches the bot's own user record. It cannot exercise
// the gateway opcodes this bridge actually depends on (op-18 stream
// create, op-22 set-paused, STREAM_CREATE/STREAM_SERVER_UPDATE dispatch)
// since discordgo's typed event model has no hooks for them - this only
// confirms the token itself is valid before a mirror attempt spends time
// on the full handshake.
func main() {
	fmt.Println("utsuru - Discord bot token verification")
	fmt.Println(strings.Repeat("=", 48))

	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Printf("failed to load .env: %v\n", err)
		os.Exit(1)
	}

	token := cfg.DiscordBotToken
	if len(os.Args) > 1 {
		token = os.Args[1]
	}
	if token == "" {
		fmt.Println("no bot token supplied: set DISCORD_BOT_TOKEN in .env or pass it as an argument")
		os.Exit(1)
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		fmt.Printf("failed to create session: %v\n", err)
		os.Exit(1)
	}

	user, err := session.User("@me")
	if err != nil {
		fmt.Printf("token verification failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("token is valid\n  bot: %s#%s (id %s)\n", user.Username, user.Discriminator, user.ID)
}
