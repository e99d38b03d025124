package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/subproc/internal/cliutil"
	"github.com/Paintersrp/subproc/internal/resources"
)

const (
	tableTitle          = "Streams"
	logsTitle           = "Output"
	filterPageName      = "filter"
	defaultLogRetention = 500
)

// EventKind classifies UI events.
type EventKind string

const (
	EventOutput    EventKind = "output"
	EventState     EventKind = "state"
	EventException EventKind = "exception"
	EventClosed    EventKind = "closed"
)

// Event is delivered by the runner for every observable change of the
// supervised subprocess.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Stream    string
	Direction string
	Record    cliutil.OutputRecord
	State     string
	Message   string
	Err       error
}

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of output records retained per stream.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// WithQuitFunc registers fn to run when the user quits the interface.
func WithQuitFunc(fn func()) Option {
	return func(u *UI) {
		u.onQuit = fn
	}
}

// WithSource makes the UI consume events from ch instead of its own sink.
// The UI stops consuming once ch is closed.
func WithSource(ch <-chan Event) Option {
	return func(u *UI) {
		u.source = ch
	}
}

// WithTitle sets the header line, usually the command being run.
func WithTitle(title string) Option {
	return func(u *UI) {
		u.title = title
	}
}

// UI renders the streams of a single subprocess backed by tview.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	header *tview.TextView
	table  *tview.Table
	logs   *tview.TextView
	events chan Event
	source <-chan Event

	streams map[string]*streamState

	title       string
	procState   string
	message     string
	visible     []string
	selected    string
	logsJSON    bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int
	onQuit      func()
	selecting   atomic.Bool

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type streamState struct {
	name      string
	direction string
	lastSeen  time.Time
	lines     int
	bytes     int
	closed    bool

	logs []cliutil.OutputRecord
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	ui := newUI(tview.NewApplication(), opts...)

	ui.logs.SetChangedFunc(func() {
		ui.app.Draw()
	})
	ui.logs.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEnter {
			ui.toggleFocus()
			return nil
		}
		return event
	})
	ui.table.SetSelectionChangedFunc(func(row, column int) {
		// Select is also called from refreshLocked with mu held.
		if ui.selecting.Load() {
			return
		}
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	ui.mu.Lock()
	ui.refreshLocked()
	ui.mu.Unlock()
	return ui
}

func newUI(app *tview.Application, opts ...Option) *UI {
	header := tview.NewTextView().SetDynamicColors(true)
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 1, 0, false).
		AddItem(table, 0, 1, true).
		AddItem(logs, 0, 3, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:       app,
		pages:     pages,
		header:    header,
		table:     table,
		logs:      logs,
		events:    make(chan Event, 256),
		streams:   make(map[string]*streamState),
		procState: "Init",
		maxLogs:   defaultLogRetention,
		done:      make(chan struct{}),
	}
	ui.source = ui.events
	for _, opt := range opts {
		opt(ui)
	}

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)
	return ui
}

// EventSink exposes the channel where subprocess events should be delivered.
func (u *UI) EventSink() chan<- Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop
// is invoked or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()
	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	draining := false
	ctxDone := ctx.Done()

	for {
		var tick <-chan time.Time
		if !draining {
			tick = ticker.C
		}

		select {
		case <-ctxDone:
			draining = true
			ctxDone = nil
		case evt, ok := <-u.source:
			if !ok {
				return
			}
			if draining {
				continue
			}
			u.mu.Lock()
			updateLogs := u.applyEventLocked(evt)
			u.mu.Unlock()
			u.queueRefresh(updateLogs)
		case <-tick:
			u.queueRefresh(false)
		}
	}
}

func (u *UI) overlayActive() bool {
	name, _ := u.pages.GetFrontPage()
	return name == filterPageName
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayActive() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			if u.onQuit != nil {
				u.onQuit()
			}
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsJSON = !u.logsJSON
	u.renderLogsLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Output")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

// applyFilter restricts the output pane to records whose message matches expr.
func (u *UI) applyFilter(expr string) error {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return err
		}
	}
	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
	return nil
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

// applyEventLocked folds evt into the UI state and reports whether the
// output pane needs redrawing.
func (u *UI) applyEventLocked(evt Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	switch evt.Kind {
	case EventState:
		u.procState = evt.State
		u.message = formatEventMessage(evt)
		return false
	case EventException:
		u.message = formatEventMessage(evt)
		return false
	}

	st := u.streams[evt.Stream]
	if st == nil {
		st = &streamState{name: evt.Stream}
		u.streams[evt.Stream] = st
	}
	if evt.Direction != "" {
		st.direction = evt.Direction
	}
	st.lastSeen = evt.Timestamp

	switch evt.Kind {
	case EventClosed:
		st.closed = true
	case EventOutput:
		st.lines++
		st.bytes += len(evt.Record.Message)
		st.logs = append(st.logs, evt.Record)
		if len(st.logs) > u.maxLogs {
			trim := len(st.logs) - u.maxLogs
			st.logs = append([]cliutil.OutputRecord(nil), st.logs[trim:]...)
		}
	}
	return st.name == u.selected || u.selected == ""
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshLocked() {
	u.header.Clear()
	fmt.Fprintf(u.header, "[::b]%s[::-]  state=%s", tview.Escape(u.title), u.procState)
	if u.message != "" {
		fmt.Fprintf(u.header, "  %s", tview.Escape(u.message))
	}

	u.table.Clear()
	headers := []string{"STREAM", "DIR", "LINES", "BYTES", "LAST", "STATUS"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.streams))
	for name := range u.streams {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return streamRank(names[i]) < streamRank(names[j]) ||
			(streamRank(names[i]) == streamRank(names[j]) && names[i] < names[j])
	})
	u.visible = names

	for row, name := range names {
		st := u.streams[name]
		last := "-"
		if !st.lastSeen.IsZero() {
			last = time.Since(st.lastSeen).Truncate(time.Second).String()
		}
		status := "open"
		if st.closed {
			status = "eof"
		}
		dir := st.direction
		if dir == "" {
			dir = "-"
		}
		values := []string{
			name,
			dir,
			fmt.Sprintf("%d", st.lines),
			resources.FormatSize(int64(st.bytes)),
			last,
			status,
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(name)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}
	u.ensureSelectionLocked()
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	st := u.streams[u.selected]
	if st == nil {
		u.logs.SetTitle(logsTitle)
		return
	}
	title := fmt.Sprintf("%s (%s)", logsTitle, st.name)
	if u.filter != "" {
		title = fmt.Sprintf("%s /%s/", title, u.filter)
	}
	u.logs.SetTitle(title)

	for _, record := range st.logs {
		if u.filterExpr != nil && !u.filterExpr.MatchString(record.Message) {
			continue
		}
		if !u.logsJSON {
			fmt.Fprintf(u.logs, "%s %s\n", record.Timestamp.Format("15:04:05.000"), record.Message)
			continue
		}
		data, err := json.Marshal(record)
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":%q}\n", err.Error())
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	u.selecting.Store(true)
	defer u.selecting.Store(false)
	if len(u.visible) == 0 {
		u.selected = ""
		u.table.Select(0, 0)
		return
	}
	idx := -1
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func streamRank(name string) int {
	switch name {
	case "stdout":
		return 0
	case "stderr":
		return 1
	case "stdin":
		return 2
	default:
		return 3
	}
}

func formatEventMessage(evt Event) string {
	switch {
	case evt.Message != "" && evt.Err != nil:
		return evt.Message + ": " + evt.Err.Error()
	case evt.Err != nil:
		return evt.Err.Error()
	default:
		return evt.Message
	}
}
