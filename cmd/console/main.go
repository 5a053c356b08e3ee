package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"orgsim/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:7430", "orgsim base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start orgsim in the same console process lifecycle")
	serverBinary := flag.String("orgsim-bin", "", "path to orgsim binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/console.db", "sqlite db path for the embedded server")
	demo := flag.Bool("demo", true, "seed the embedded server with demo tasks")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var proc *embeddedServer
	var err error
	if *embedded {
		proc, err = startEmbeddedServer(*addr, *serverBinary, *dbPath, *demo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded server: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "server health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	escTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	escTable.SetTitle("Pending Escalations (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Escalation Detail").SetBorder(true)

	tasksView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	tasksView.SetTitle("Queue Snapshot").SetBorder(true)

	decisionInput := tview.NewInputField().
		SetLabel("Decision -> selected escalation: ")
	decisionInput.SetBorder(true).SetTitle("Enter = resolve")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+D focus decision, Ctrl+E focus escalations",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(detailView, 0, 3, false).
		AddItem(tasksView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(escTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(decisionInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedEscID string
	var lastEscalations []domain.Escalation
	var detailVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshEscalations := func() {
		items, err := c.listEscalations(domain.EscalationStatusPending)
		if err != nil {
			app.QueueUpdateDraw(func() {
				escTable.Clear()
				escTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		})
		lastEscalations = items
		app.QueueUpdateDraw(func() {
			renderEscalationTable(escTable, items, selectedEscID)
		})
	}

	refreshDetailAsync := func(escID string) {
		version := atomic.AddUint64(&detailVersion, 1)
		if strings.TrimSpace(escID) == "" {
			app.QueueUpdateDraw(func() {
				detailView.SetText("No escalation selected")
			})
			return
		}
		go func(selected string, v uint64) {
			tasks, tasksErr := c.listTasks()
			if atomic.LoadUint64(&detailVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedEscID {
					return
				}
				var esc *domain.Escalation
				for i := range lastEscalations {
					if lastEscalations[i].ID == selected {
						esc = &lastEscalations[i]
						break
					}
				}
				if esc == nil {
					detailView.SetText("Escalation resolved or no longer pending")
					return
				}
				detailView.SetText(renderEscalationDetail(*esc))
				if tasksErr != nil {
					tasksView.SetText(fmt.Sprintf("error: %v", tasksErr))
				} else {
					tasksView.SetText(renderTaskSnapshot(tasks))
				}
			})
		}(escID, version)
	}

	submitDecision := func(decision string) {
		decision = strings.TrimSpace(decision)
		if decision == "" {
			return
		}
		if selectedEscID == "" {
			setStatusUI("No escalation selected")
			return
		}
		setStatusUI("Resolving escalation...")
		decisionInput.SetText("")
		go func(id string, text string) {
			esc, err := c.resolve(id, text)
			if err != nil {
				setStatusAsync("Failed to resolve: " + err.Error())
				return
			}
			selectedEscID = ""
			refreshEscalations()
			refreshDetailAsync("")
			setStatusAsync(fmt.Sprintf("Resolved %s for task %s", shortID(esc.ID), shortID(esc.Task.ID)))
		}(selectedEscID, decision)
	}

	decisionInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitDecision(decisionInput.GetText())
	})

	escTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastEscalations) {
			return
		}
		selectedEscID = lastEscalations[row-1].ID
		refreshDetailAsync(selectedEscID)
		app.SetFocus(decisionInput)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == decisionInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(escTable)
				setStatusUI("Focus -> escalations")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(escTable)
			setStatusUI("Focus -> escalations")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshEscalations()
			refreshDetailAsync(selectedEscID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlD:
			app.SetFocus(decisionInput)
			setStatusUI("Focus -> decision")
			return nil
		case tcell.KeyCtrlE:
			app.SetFocus(escTable)
			setStatusUI("Focus -> escalations")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			if app.GetFocus() == decisionInput {
				app.SetFocus(escTable)
			} else {
				app.SetFocus(decisionInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(decisionInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshEscalations()
		if len(lastEscalations) > 0 {
			selectedEscID = lastEscalations[0].ID
		}
		refreshDetailAsync(selectedEscID)

		for range ticker.C {
			refreshEscalations()
			if selectedEscID == "" && len(lastEscalations) > 0 {
				selectedEscID = lastEscalations[0].ID
			}
			refreshDetailAsync(selectedEscID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(escTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "console failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, dbPath string, demo bool) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	if parsed.Port() == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := parsed.Host

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", addrArg, "--db", dbPath}
	if demo {
		args = append(args, "--demo")
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orgsim")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orgsim"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderEscalationTable(table *tview.Table, items []domain.Escalation, selectedID string) {
	table.Clear()
	headers := []string{"Escalation", "From", "Priority", "Age", "First Reason"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	now := time.Now()
	for i, esc := range items {
		row := i + 1
		firstReason := ""
		if len(esc.Reasons) > 0 {
			firstReason = esc.Reasons[0]
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(esc.ID)))
		table.SetCell(row, 1, tview.NewTableCell(esc.FromRole))
		table.SetCell(row, 2, tview.NewTableCell(string(esc.Priority)))
		table.SetCell(row, 3, tview.NewTableCell(formatAge(now.Sub(esc.CreatedAt))))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(firstReason, 48)))
		if esc.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func renderEscalationDetail(esc domain.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation %s\n", esc.ID)
	fmt.Fprintf(&b, "Raised by:  %s at %s\n", esc.FromRole, esc.CreatedAt.Format("15:04:05"))
	fmt.Fprintf(&b, "Priority:   %s\n\n", esc.Priority)
	b.WriteString("Reasons:\n")
	for _, r := range esc.Reasons {
		b.WriteString("  - " + r + "\n")
	}
	b.WriteString("\nTask:\n")
	fmt.Fprintf(&b, "  id:       %s\n", esc.Task.ID)
	fmt.Fprintf(&b, "  role:     %s\n", esc.Task.AssignedRole)
	fmt.Fprintf(&b, "  status:   %s\n", esc.Task.Status)
	fmt.Fprintf(&b, "  retries:  %d\n", esc.Task.Retries)
	if esc.Task.DueDate != nil {
		fmt.Fprintf(&b, "  due:      %s\n", esc.Task.DueDate.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "  content:  %s\n", trimLine(esc.Task.Content, 200))
	if esc.Task.Notes != "" {
		fmt.Fprintf(&b, "  notes:    %s\n", trimLine(esc.Task.Notes, 200))
	}
	if esc.Task.LastError != "" {
		fmt.Fprintf(&b, "  error:    %s\n", trimLine(esc.Task.LastError, 200))
	}
	return b.String()
}

func renderTaskSnapshot(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return "No tasks"
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "[%3d] %-11s %-12s %s\n",
			t.Score,
			t.Status,
			t.AssignedRole,
			trimLine(t.Content, 52),
		)
	}
	return b.String()
}

func (c *client) listEscalations(status domain.EscalationStatus) ([]domain.Escalation, error) {
	var out []domain.Escalation
	path := "/escalations"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	if err := c.getJSON(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) resolve(escID string, decision string) (domain.Escalation, error) {
	var out domain.Escalation
	req := map[string]any{"decision": decision}
	if err := c.postJSON(fmt.Sprintf("/escalations/%s/resolve", escID), req, &out); err != nil {
		return domain.Escalation{}, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
