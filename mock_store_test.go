package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"
)

type mockSession struct {
	destination string
	content     []byte
	closed      bool
}

// MockStore is an in-memory RemoteStore. Files are keyed by remote path.
type MockStore struct {
	Files map[string]RemoteEntry

	// Pages, when set, replaces the listing derived from Files.
	Pages []ListPage

	ListErr     error
	ContinueErr error
	StartErr    error
	FinishErr   error
	CheckErr    error
	DeleteErr   error
	FailAppend  map[string]bool

	// StartFailures fails StartSession for destinations with these basenames.
	StartFailures map[string]error

	// CheckStatuses is returned by successive CheckBatch calls; the last one repeats.
	CheckStatuses []JobStatus

	ListCalls      int
	ContinueCalls  []string
	StartRequests  []string
	Aborted        []string
	Commits        [][]BatchCommitEntry
	CheckCalls     int
	DeleteRequests [][]string

	sessions map[string]*mockSession
	jobs     map[string]*BatchJob
	clock    time.Time
}

func NewMockStore(entries map[string]RemoteEntry) *MockStore {
	if entries == nil {
		entries = make(map[string]RemoteEntry)
	}
	return &MockStore{
		Files:         entries,
		FailAppend:    make(map[string]bool),
		StartFailures: make(map[string]error),
		sessions:      make(map[string]*mockSession),
		jobs:          make(map[string]*BatchJob),
		clock:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *MockStore) ListFolder(ctx context.Context, folder string, limit int) (*ListPage, error) {
	m.ListCalls++
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	if len(m.Pages) > 0 {
		return m.page(0), nil
	}

	if folder == "" {
		folder = "/"
	}
	names := make([]string, 0)
	for remote := range m.Files {
		if path.Dir(remote) == folder {
			names = append(names, remote)
		}
	}
	sort.Strings(names)

	page := &ListPage{Entries: make([]RemoteEntry, 0, len(names))}
	for _, name := range names {
		page.Entries = append(page.Entries, m.Files[name])
	}
	return page, nil
}

func (m *MockStore) ListFolderContinue(ctx context.Context, cursor string) (*ListPage, error) {
	m.ContinueCalls = append(m.ContinueCalls, cursor)
	if m.ContinueErr != nil {
		return nil, m.ContinueErr
	}
	index, convErr := strconv.Atoi(cursor)
	if convErr != nil || index >= len(m.Pages) {
		return nil, fmt.Errorf("bad cursor %q", cursor)
	}
	return m.page(index), nil
}

func (m *MockStore) page(index int) *ListPage {
	page := m.Pages[index]
	if index+1 < len(m.Pages) {
		page.HasMore = true
		page.Cursor = strconv.Itoa(index + 1)
	}
	return &page
}

func (m *MockStore) StartSession(ctx context.Context, destination string) (string, error) {
	m.StartRequests = append(m.StartRequests, destination)
	if m.StartErr != nil {
		return "", m.StartErr
	}
	if startErr, ok := m.StartFailures[path.Base(destination)]; ok {
		return "", startErr
	}
	sessionID := fmt.Sprintf("session-%d", len(m.StartRequests))
	m.sessions[sessionID] = &mockSession{destination: destination}
	return sessionID, nil
}

func (m *MockStore) AppendAndClose(ctx context.Context, sessionID string, offset int64, content io.Reader) error {
	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if m.FailAppend[path.Base(session.destination)] {
		return errors.New("append refused")
	}
	data, readErr := io.ReadAll(content)
	if readErr != nil {
		return readErr
	}
	session.content = data
	session.closed = true
	return nil
}

func (m *MockStore) AbortSession(ctx context.Context, sessionID string) error {
	m.Aborted = append(m.Aborted, sessionID)
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MockStore) OpenSessions() int {
	return len(m.sessions)
}

func (m *MockStore) FinishBatch(ctx context.Context, entries []BatchCommitEntry) (*BatchJob, error) {
	m.Commits = append(m.Commits, entries)
	if m.FinishErr != nil {
		return nil, m.FinishErr
	}

	job := &BatchJob{ID: fmt.Sprintf("job-%d", len(m.Commits)), Status: JobPending}
	for _, entry := range entries {
		result := CommitResult{DestinationPath: entry.DestinationPath}
		session, ok := m.sessions[entry.SessionID]
		switch {
		case !ok || !session.closed:
			result.Err = fmt.Errorf("session %s not closed", entry.SessionID)
		case int64(len(session.content)) != entry.FinalOffset:
			result.Err = fmt.Errorf("incorrect offset %d", entry.FinalOffset)
		default:
			if _, exists := m.Files[entry.DestinationPath]; exists {
				result.Err = errors.New("conflict")
				break
			}
			m.clock = m.clock.Add(time.Minute)
			m.Files[entry.DestinationPath] = RemoteEntry{
				Name:       path.Base(entry.DestinationPath),
				ModifiedAt: m.clock,
				Size:       entry.FinalOffset,
			}
		}
		job.Results = append(job.Results, result)
	}
	m.jobs[job.ID] = job
	return &BatchJob{ID: job.ID, Status: JobPending}, nil
}

func (m *MockStore) CheckBatch(ctx context.Context, jobID string) (*BatchJob, error) {
	m.CheckCalls++
	if m.CheckErr != nil {
		return nil, m.CheckErr
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}

	status := JobComplete
	if len(m.CheckStatuses) > 0 {
		index := min(m.CheckCalls, len(m.CheckStatuses)) - 1
		status = m.CheckStatuses[index]
	}
	if status == JobComplete {
		return &BatchJob{ID: jobID, Status: status, Results: job.Results}, nil
	}
	return &BatchJob{ID: jobID, Status: status}, nil
}

func (m *MockStore) DeleteBatch(ctx context.Context, paths []string) error {
	m.DeleteRequests = append(m.DeleteRequests, paths)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, remote := range paths {
		delete(m.Files, remote)
	}
	return nil
}

func (m *MockStore) HasFile(remote string) bool {
	_, ok := m.Files[remote]
	return ok
}

func remoteFile(name string, modifiedAt time.Time) RemoteEntry {
	return RemoteEntry{Name: name, ModifiedAt: modifiedAt, Size: 1}
}
