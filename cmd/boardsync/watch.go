package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/client"
	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/protocol"
	"github.com/boardsync/boardsync/internal/session"
)

var (
	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(30)

	columnTitleStyle = lipgloss.NewStyle().Bold(true)

	taskStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			Padding(0, 1).
			Width(26)

	dimStyle = lipgloss.NewStyle().Faint(true)

	priorityColors = map[string]lipgloss.Color{
		board.PriorityLow:    lipgloss.Color("8"),
		board.PriorityMedium: lipgloss.Color("3"),
		board.PriorityHigh:   lipgloss.Color("208"),
		board.PriorityUrgent: lipgloss.Color("1"),
	}
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a board and watch it live in the terminal",
	Long: `Connect to a board sync server and render the board in the terminal,
updating live as other users move, create, edit, and delete tasks.

Example usage:
  boardsync watch                              # Connect to the configured server
  boardsync watch --url ws://host:3001/ws      # Connect elsewhere
  boardsync watch --name "Ada"                 # Join under a display name`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("url") {
			cfg.Client.URL, _ = cmd.Flags().GetString("url")
		}
		if cmd.Flags().Changed("name") {
			cfg.Client.Name, _ = cmd.Flags().GetString("name")
		}

		logger := cfg.NewLogger()
		view := &boardView{}

		user := session.User{
			Name:     cfg.Client.Name,
			Initials: initialsFor(cfg.Client.Name),
		}

		c := client.New(&client.Config{
			URL:               cfg.Client.URL,
			User:              user,
			RequestTimeout:    cfg.Client.RequestTimeout,
			ReconnectAttempts: cfg.Client.ReconnectAttempts,
			ReconnectDelay:    cfg.Client.ReconnectDelay,
			Logger:            logger,
			OnBoardChange:     view.setBoard,
			OnUsersUpdate:     view.setUsers,
			OnEvent:           view.addEvent,
			OnConnectionChange: func(connected bool) {
				view.setConnected(connected)
			},
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		view.self = c.User().ID

		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Close()

		<-ctx.Done()
		fmt.Println("\nLeaving board...")
		return nil
	},
}

// initialsFor derives a display initial from the first rune of the name.
func initialsFor(name string) string {
	if name == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(name)
	return strings.ToUpper(string(r))
}

// boardView renders the board on every change.
type boardView struct {
	mu        sync.Mutex
	self      string
	board     board.Board
	users     []session.User
	activity  []string
	connected bool
}

func (v *boardView) setBoard(b board.Board) {
	v.mu.Lock()
	v.board = b
	v.mu.Unlock()
	v.render()
}

func (v *boardView) setUsers(users []session.User) {
	v.mu.Lock()
	v.users = users
	v.mu.Unlock()
	v.render()
}

func (v *boardView) addEvent(ev protocol.Event) {
	v.mu.Lock()
	v.activity = append([]string{describeEvent(ev)}, v.activity...)
	if len(v.activity) > 10 {
		v.activity = v.activity[:10]
	}
	v.mu.Unlock()
	v.render()
}

func (v *boardView) setConnected(connected bool) {
	v.mu.Lock()
	v.connected = connected
	v.mu.Unlock()
	v.render()
}

func (v *boardView) render() {
	v.mu.Lock()
	defer v.mu.Unlock()

	var sb strings.Builder

	status := "online"
	if !v.connected {
		status = "offline"
	}
	others := 0
	for _, u := range v.users {
		if u.ID != v.self {
			others++
		}
	}
	sb.WriteString(columnTitleStyle.Render("Project Board"))
	sb.WriteString(dimStyle.Render(fmt.Sprintf("  %s, %d other user(s)\n\n", status, others)))

	cols := make([]string, 0, len(v.board))
	for _, col := range v.board {
		cols = append(cols, renderColumn(col))
	}
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...))

	if len(v.activity) > 0 {
		sb.WriteString("\n" + columnTitleStyle.Render("Recent activity") + "\n")
		for _, line := range v.activity {
			sb.WriteString(dimStyle.Render("  "+line) + "\n")
		}
	}

	// Home the cursor and clear before redrawing.
	fmt.Print("\033[H\033[2J")
	fmt.Println(sb.String())
}

func renderColumn(col board.Column) string {
	var body strings.Builder
	body.WriteString(columnTitleStyle.Render(fmt.Sprintf("%s (%d)", col.Title, len(col.Tasks))))
	body.WriteString("\n")

	for _, task := range col.Tasks {
		body.WriteString(renderTask(task))
		body.WriteString("\n")
	}

	return columnStyle.Render(body.String())
}

func renderTask(task board.Task) string {
	marker := lipgloss.NewStyle().Foreground(priorityColors[task.Priority]).Render("●")
	title := task.Title
	if task.IsLoading {
		title += " …"
	}

	var meta []string
	meta = append(meta, task.Type)
	if task.Assignee.Initials != "" {
		meta = append(meta, task.Assignee.Initials)
	}
	if task.ModifiedBy != "" {
		meta = append(meta, "by "+task.ModifiedBy)
	}

	return taskStyle.Render(fmt.Sprintf("%s %s\n%s", marker, title, dimStyle.Render(strings.Join(meta, " · "))))
}

func describeEvent(ev protocol.Event) string {
	switch ev.Type {
	case protocol.EventTaskMoved:
		return ev.UserName + " moved a task"
	case protocol.EventTaskCreated:
		return ev.UserName + " created a task"
	case protocol.EventTaskUpdated:
		return ev.UserName + " updated a task"
	case protocol.EventTaskDeleted:
		return ev.UserName + " deleted a task"
	case protocol.EventUserJoined:
		return ev.UserName + " joined the board"
	case protocol.EventUserLeft:
		return ev.UserName + " left the board"
	default:
		return ev.UserName + " did something"
	}
}

func init() {
	watchCmd.Flags().String("url", "", "WebSocket URL of the board sync server")
	watchCmd.Flags().String("name", "", "Display name to join with")

	rootCmd.AddCommand(watchCmd)
}
