// Package extract maps raw per-source event payloads onto category-specific
// raw counters.
package extract

import (
	"math"

	"github.com/sells-group/fusionscore/internal/model"
)

// Counters is a flat map of named raw counters for one event.
type Counters map[string]float64

// Get returns the named counter, or 0 when absent.
func (c Counters) Get(name string) float64 {
	return c[name]
}

// Counter names.
const (
	EventCount = "event_count"

	MessageCount      = "message_count"
	ChannelCount      = "channel_count"
	ActiveUsers       = "active_users"
	ReplyCount        = "reply_count"
	AvgResponseMins   = "avg_response_minutes"
	MeetingCount      = "meeting_count"
	MeetingMinutes    = "meeting_minutes"
	AttendeeCount     = "attendee_count"
	CancelledMeetings = "cancelled_meetings"
	TaskCount         = "task_count"
	CompletedTasks    = "completed_tasks"
	OpenTasks         = "open_tasks"
	OverdueTasks      = "overdue_tasks"
	AssigneeCount     = "assignee_count"
	CommitCount       = "commit_count"
	PullRequests      = "pull_requests"
	MergedPRs         = "merged_pull_requests"
	OpenIssues        = "open_issues"
	ClosedIssues      = "closed_issues"
	ContributorCount  = "contributor_count"
	PageCount         = "page_count"
	EditCount         = "edit_count"
	CommentCount      = "comment_count"
	TicketCount       = "ticket_count"
	OpenTickets       = "open_tickets"
	ResolvedTickets   = "resolved_tickets"
	AgentCount        = "agent_count"
	AvgFirstRespHours = "avg_first_response_hours"
	FileCount         = "file_count"
	VersionCount      = "version_count"
	CollaboratorCount = "collaborator_count"
	QueryCount        = "query_count"
	DashboardCount    = "dashboard_count"
	PipelineRuns      = "pipeline_runs"
	FailedRuns        = "failed_runs"
)

// Extract converts a raw payload into the counters defined for category.
// It never fails: absent or malformed fields count as zero, and unknown
// categories produce a single event_count signal.
func Extract(category model.Category, p Payload) Counters {
	var c Counters
	switch category {
	case model.CategoryCommunication:
		c = communication(p)
	case model.CategoryMeetings:
		c = meetings(p)
	case model.CategoryProjectManagement:
		c = projectManagement(p)
	case model.CategoryEngineering:
		c = engineering(p)
	case model.CategoryDocumentation:
		c = documentation(p)
	case model.CategorySupport:
		c = support(p)
	case model.CategoryDesign:
		c = design(p)
	case model.CategoryData:
		c = data(p)
	default:
		c = general(p)
	}
	for k, v := range c {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			c[k] = 0
		}
	}
	return c
}

func communication(p Payload) Counters {
	return Counters{
		MessageCount:    p.Number("message_count", "messages", "stats.messages"),
		ChannelCount:    p.Count("channel_count", "channels"),
		ActiveUsers:     p.Count("active_users", "users", "participants"),
		ReplyCount:      p.Number("reply_count", "replies", "thread_replies"),
		AvgResponseMins: p.Number("avg_response_minutes", "response_time_minutes"),
	}
}

func meetings(p Payload) Counters {
	return Counters{
		MeetingCount:      p.Number("meeting_count", "meetings", "events"),
		MeetingMinutes:    p.Number("meeting_minutes", "total_minutes", "duration_minutes"),
		AttendeeCount:     p.Count("attendee_count", "attendees"),
		CancelledMeetings: p.Number("cancelled_meetings", "cancelled"),
	}
}

func projectManagement(p Payload) Counters {
	completed := p.Number("completed_tasks", "completed", "done")
	open := p.Number("open_tasks", "open", "in_progress")
	total := p.Number("task_count", "tasks", "issues")
	if total < completed+open {
		total = completed + open
	}
	return Counters{
		TaskCount:      total,
		CompletedTasks: completed,
		OpenTasks:      open,
		OverdueTasks:   p.Number("overdue_tasks", "overdue"),
		AssigneeCount:  p.Count("assignee_count", "assignees"),
	}
}

func engineering(p Payload) Counters {
	return Counters{
		CommitCount:      p.Number("commit_count", "commits", "pushes"),
		PullRequests:     p.Number("pull_requests", "pull_request_count", "prs"),
		MergedPRs:        p.Number("merged_pull_requests", "merged_prs", "merged"),
		OpenIssues:       p.Number("open_issues", "issues_open"),
		ClosedIssues:     p.Number("closed_issues", "issues_closed"),
		ContributorCount: p.Count("contributor_count", "contributors", "authors"),
	}
}

func documentation(p Payload) Counters {
	return Counters{
		PageCount:        p.Number("page_count", "pages", "documents"),
		EditCount:        p.Number("edit_count", "edits", "revisions"),
		ContributorCount: p.Count("contributor_count", "contributors", "editors"),
		CommentCount:     p.Number("comment_count", "comments"),
	}
}

func support(p Payload) Counters {
	open := p.Number("open_tickets", "open")
	resolved := p.Number("resolved_tickets", "resolved", "closed")
	total := p.Number("ticket_count", "tickets")
	if total < open+resolved {
		total = open + resolved
	}
	return Counters{
		TicketCount:       total,
		OpenTickets:       open,
		ResolvedTickets:   resolved,
		AgentCount:        p.Count("agent_count", "agents"),
		AvgFirstRespHours: p.Number("avg_first_response_hours", "first_response_hours"),
	}
}

func design(p Payload) Counters {
	return Counters{
		FileCount:         p.Number("file_count", "files"),
		VersionCount:      p.Number("version_count", "versions"),
		CommentCount:      p.Number("comment_count", "comments"),
		CollaboratorCount: p.Count("collaborator_count", "collaborators", "editors"),
	}
}

func data(p Payload) Counters {
	return Counters{
		QueryCount:     p.Number("query_count", "queries"),
		DashboardCount: p.Number("dashboard_count", "dashboards"),
		ActiveUsers:    p.Count("active_users", "users", "viewers"),
		PipelineRuns:   p.Number("pipeline_runs", "runs", "jobs"),
		FailedRuns:     p.Number("failed_runs", "failed_jobs", "failures"),
	}
}

func general(p Payload) Counters {
	n := p.Number("event_count", "events", "count")
	if n == 0 && len(p) > 0 {
		n = 1
	}
	return Counters{EventCount: n}
}
