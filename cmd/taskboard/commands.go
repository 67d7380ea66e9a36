package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskboard/identity"
	"github.com/GoCodeAlone/taskboard/internal/version"
	"github.com/GoCodeAlone/taskboard/task"
)

// --- version / status ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskboard %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildDate)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return showStatus(newClient(), cmd.OutOrStdout())
	},
}

func showStatus(c *Client, w io.Writer) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Fprintf(w, "status:  %s\n", strVal(result["status"]))
	fmt.Fprintf(w, "version: %s\n", strVal(result["version"]))
	fmt.Fprintf(w, "uptime:  %s\n", strVal(result["uptime"]))
	return nil
}

// --- login ---

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and print a session token",
	Long: `Log in and print a session token for use with --token or $TASKBOARD_TOKEN.

The password is taken from --password, then $TASKBOARD_PASSWORD, then the
first line of standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return login(newClient(), cmd.OutOrStdout(), args[0], password)
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password")
}

func readPassword(in io.Reader) (string, error) {
	if loginPassword != "" {
		return loginPassword, nil
	}
	if p := os.Getenv("TASKBOARD_PASSWORD"); p != "" {
		return p, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func login(c *Client, w io.Writer, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.post("/api/auth/login", body, &resp); err != nil {
		return err
	}
	fmt.Fprintln(w, resp.Token)
	return nil
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print the bcrypt hash of a password for the seed config",
	Long: `Print the bcrypt hash of a password for use as password_hash in the
seed section of taskboard.yaml. The password is read like login does.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		hash, err := identity.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().StringVar(&loginPassword, "password", "", "password")
}

// --- apps ---

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List applications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listApps(newClient(), cmd.OutOrStdout())
	},
}

func listApps(c *Client, w io.Writer) error {
	var apps []task.Application
	if err := c.get("/api/apps", &apps); err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(w, "no applications")
		return nil
	}
	fmt.Fprintf(w, "%-12s %-30s %-6s %s\n", "ACRONYM", "DESCRIPTION", "TASKS", "PERMITS (create/open/todo/doing/done)")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, a := range apps {
		permits := strings.Join([]string{
			orDash(a.PermitCreate), orDash(a.PermitOpen), orDash(a.PermitTodo),
			orDash(a.PermitDoing), orDash(a.PermitDone),
		}, "/")
		fmt.Fprintf(w, "%-12s %-30s %-6d %s\n", a.Acronym, truncate(a.Description, 29), a.RNumber, permits)
	}
	return nil
}

// --- tasks ---

var tasksState string

var tasksCmd = &cobra.Command{
	Use:   "tasks <app>",
	Short: "List an application's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTasks(newClient(), cmd.OutOrStdout(), args[0], tasksState)
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksState, "state", "", "only list tasks in this state")
}

func listTasks(c *Client, w io.Writer, app, state string) error {
	path := "/api/apps/" + escape(app) + "/tasks"
	if state != "" {
		path += "?" + url.Values{"state": {state}}.Encode()
	}
	var tasks []task.Task
	if err := c.get(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return nil
	}
	fmt.Fprintf(w, "%-16s %-30s %-8s %-12s\n", "ID", "NAME", "STATE", "OWNER")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, t := range tasks {
		fmt.Fprintf(w, "%-16s %-30s %-8s %-12s\n", t.ID, truncate(t.Name, 29), t.State, t.Owner)
	}
	return nil
}

// --- task subcommands ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Show and act on a single task",
}

var (
	taskGroup       string
	taskDescription string
	taskPlan        string
	taskName        string
	noteState       string
	moveRelease     bool
	moveReject      bool
)

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task and its notes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showTask(newClient(), cmd.OutOrStdout(), args[0])
	},
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a task's audit trail, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory(newClient(), cmd.OutOrStdout(), args[0])
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <app> <name...>",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"name":        strings.Join(args[1:], " "),
			"description": taskDescription,
			"plan":        taskPlan,
			"group":       taskGroup,
		}
		var t task.Task
		if err := newClient().post("/api/apps/"+escape(args[0])+"/tasks", body, &t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created task %s\n", t.ID)
		return nil
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <id> <state>",
	Short: "Move a task to another state",
	Long: `Move a task to another state.

Use --release to give a doing task back to todo and --reject to send a done
task back to doing. The commands differ only in the note they record.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"to":      args[1],
			"group":   taskGroup,
			"release": moveRelease,
			"reject":  moveReject,
		}
		var t task.Task
		if err := newClient().post("/api/tasks/"+escape(args[0])+"/transitions", body, &t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s is now %s\n", t.ID, t.State)
		return nil
	},
}

var taskNoteCmd = &cobra.Command{
	Use:   "note <id> <message...>",
	Short: "Add a note to a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"message": strings.Join(args[1:], " "),
			"state":   noteState,
			"group":   taskGroup,
		}
		var n task.Note
		if err := newClient().post("/api/tasks/"+escape(args[0])+"/notes", body, &n); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added note %d to %s\n", n.Seq, n.TaskID)
		return nil
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a task's name, description or plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"group": taskGroup}
		flags := cmd.Flags()
		if flags.Changed("name") {
			body["name"] = taskName
		}
		if flags.Changed("description") {
			body["description"] = taskDescription
		}
		if flags.Changed("plan") {
			body["plan"] = taskPlan
		}
		if len(body) == 1 {
			return errors.New("nothing to change: pass --name, --description or --plan")
		}
		var t task.Task
		if err := newClient().patch("/api/tasks/"+escape(args[0]), body, &t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated task %s\n", t.ID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{taskCreateCmd, taskMoveCmd, taskNoteCmd, taskEditCmd} {
		c.Flags().StringVar(&taskGroup, "group", "", "group to act as")
	}
	for _, c := range []*cobra.Command{taskCreateCmd, taskEditCmd} {
		c.Flags().StringVar(&taskDescription, "description", "", "task description")
		c.Flags().StringVar(&taskPlan, "plan", "", "plan the task belongs to")
	}
	taskEditCmd.Flags().StringVar(&taskName, "name", "", "task name")
	taskMoveCmd.Flags().BoolVar(&moveRelease, "release", false, "release a doing task back to todo")
	taskMoveCmd.Flags().BoolVar(&moveReject, "reject", false, "reject a done task back to doing")
	taskNoteCmd.Flags().StringVar(&noteState, "state", "", "state to record on the note (default: the task's state)")

	taskCmd.AddCommand(taskShowCmd, taskHistoryCmd, taskCreateCmd, taskMoveCmd, taskNoteCmd, taskEditCmd)
}

func showTask(c *Client, w io.Writer, id string) error {
	var t task.Task
	if err := c.get("/api/tasks/"+escape(id), &t); err != nil {
		return err
	}
	var notes []task.Note
	if err := c.get("/api/tasks/"+escape(id)+"/notes", &notes); err != nil {
		return err
	}

	fmt.Fprintf(w, "id:          %s\n", t.ID)
	fmt.Fprintf(w, "name:        %s\n", t.Name)
	fmt.Fprintf(w, "state:       %s\n", t.State)
	fmt.Fprintf(w, "application: %s\n", t.AppAcronym)
	if t.Plan != "" {
		fmt.Fprintf(w, "plan:        %s\n", t.Plan)
	}
	fmt.Fprintf(w, "creator:     %s\n", t.Creator)
	fmt.Fprintf(w, "owner:       %s\n", t.Owner)
	if moves := task.Moves(t.State); len(moves) > 0 {
		fmt.Fprintln(w, "moves:")
		for _, m := range moves {
			fmt.Fprintf(w, "  %-8s %s\n", m.To, m.Label)
		}
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}

	fmt.Fprintln(w)
	printNotes(w, notes)
	return nil
}

func showHistory(c *Client, w io.Writer, id string) error {
	var history []task.Note
	if err := c.get("/api/tasks/"+escape(id)+"/history", &history); err != nil {
		return err
	}
	printNotes(w, history)
	return nil
}

func printNotes(w io.Writer, notes []task.Note) {
	fmt.Fprintf(w, "%-4s %-8s %-12s %s\n", "SEQ", "STATE", "ACTOR", "NOTE")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, n := range notes {
		fmt.Fprintf(w, "%-4d %-8s %-12s %s\n", n.Seq, n.State, n.Actor, truncate(n.Message, 50))
	}
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
