package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chatsync/internal/model"
)

type verb int

const (
	verbSend verb = iota
	verbTyping
	verbList
	verbOpen
	verbLeave
	verbShow
	verbUnsend
	verbReply
	verbQuit
	verbLogout
	verbHelp
)

// command is one parsed input line.
type command struct {
	verb  verb
	arg   model.ID
	draft model.Draft
	text  string
}

var errUsage = errors.New("usage")

const helpText = `commands:
  <text>               send text to the open conversation
  /image <url>         send an image
  /gif <url>           send a gif
  /typing <text>       update the composer without sending
  /list                show conversations
  /open <id>           open a conversation
  /leave               close the open conversation
  /show                show the open thread
  /reply <id> <text>   reply to a message
  /unsend <id>         retract one of your messages
  /logout              log out and forget the cached list
  /quit                exit`

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{verb: verbSend, draft: model.Draft{Content: line, Kind: model.KindText}}, nil
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "list", "ls":
		return command{verb: verbList}, nil
	case "leave":
		return command{verb: verbLeave}, nil
	case "show":
		return command{verb: verbShow}, nil
	case "quit", "q":
		return command{verb: verbQuit}, nil
	case "logout":
		return command{verb: verbLogout}, nil
	case "help", "?":
		return command{verb: verbHelp}, nil
	case "typing":
		return command{verb: verbTyping, text: rest}, nil
	case "open", "unsend":
		if rest == "" {
			return command{}, fmt.Errorf("%w: /%s <id>", errUsage, name)
		}
		v := verbOpen
		if name == "unsend" {
			v = verbUnsend
		}
		return command{verb: v, arg: model.ID(rest)}, nil
	case "image", "gif":
		if rest == "" {
			return command{}, fmt.Errorf("%w: /%s <url>", errUsage, name)
		}
		kind := model.KindImage
		if name == "gif" {
			kind = model.KindGIF
		}
		return command{verb: verbSend, draft: model.Draft{Content: rest, Kind: kind}}, nil
	case "reply":
		id, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if id == "" || text == "" {
			return command{}, fmt.Errorf("%w: /reply <id> <text>", errUsage)
		}
		return command{verb: verbReply, arg: model.ID(id), draft: model.Draft{Content: text, Kind: model.KindText}}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s (try /help)", name)
}
