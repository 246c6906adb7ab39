package normalize

import (
	"github.com/sells-group/fusionscore/internal/extract"
	"github.com/sells-group/fusionscore/internal/model"
)

// RuleKind selects how a dimension is derived from counters.
type RuleKind int

const (
	// Band scales a counter across [Min, Max].
	Band RuleKind = iota
	// RatioOf is Counter / sum(Of) as a percentage.
	RatioOf
	// InverseRatioOf is 100 - Counter / sum(Of) as a percentage.
	InverseRatioOf
	// Fixed always yields the neutral midpoint.
	Fixed
)

// Rule derives one canonical dimension.
type Rule struct {
	Kind    RuleKind
	Counter string
	Of      []string
	Min     float64
	Max     float64
}

// Profile holds the rule for each canonical dimension of a category.
type Profile struct {
	Activity       Rule
	Participation  Rule
	Responsiveness Rule
	Throughput     Rule
}

func band(counter string, min, max float64) Rule {
	return Rule{Kind: Band, Counter: counter, Min: min, Max: max}
}

func ratio(counter string, of ...string) Rule {
	return Rule{Kind: RatioOf, Counter: counter, Of: of}
}

func inverse(counter string, of ...string) Rule {
	return Rule{Kind: InverseRatioOf, Counter: counter, Of: of}
}

var profiles = map[model.Category]Profile{
	model.CategoryCommunication: {
		Activity:       band(extract.MessageCount, 0, 500),
		Participation:  band(extract.ActiveUsers, 0, 50),
		Responsiveness: ratio(extract.ReplyCount, extract.MessageCount),
		Throughput:     band(extract.ChannelCount, 0, 20),
	},
	model.CategoryMeetings: {
		Activity:       band(extract.MeetingCount, 0, 40),
		Participation:  band(extract.AttendeeCount, 0, 100),
		Responsiveness: inverse(extract.CancelledMeetings, extract.MeetingCount),
		Throughput:     band(extract.MeetingMinutes, 0, 2400),
	},
	model.CategoryProjectManagement: {
		Activity:       band(extract.TaskCount, 0, 200),
		Participation:  band(extract.AssigneeCount, 0, 25),
		Responsiveness: inverse(extract.OpenTasks, extract.TaskCount),
		Throughput:     ratio(extract.CompletedTasks, extract.TaskCount),
	},
	model.CategoryEngineering: {
		Activity:       band(extract.CommitCount, 0, 300),
		Participation:  band(extract.ContributorCount, 0, 30),
		Responsiveness: inverse(extract.OpenIssues, extract.OpenIssues, extract.ClosedIssues),
		Throughput:     ratio(extract.MergedPRs, extract.PullRequests),
	},
	model.CategoryDocumentation: {
		Activity:       band(extract.EditCount, 0, 200),
		Participation:  band(extract.ContributorCount, 0, 20),
		Responsiveness: band(extract.CommentCount, 0, 100),
		Throughput:     band(extract.PageCount, 0, 100),
	},
	model.CategorySupport: {
		Activity:       band(extract.TicketCount, 0, 300),
		Participation:  band(extract.AgentCount, 0, 20),
		Responsiveness: inverse(extract.OpenTickets, extract.TicketCount),
		Throughput:     ratio(extract.ResolvedTickets, extract.TicketCount),
	},
	model.CategoryDesign: {
		Activity:       band(extract.VersionCount, 0, 150),
		Participation:  band(extract.CollaboratorCount, 0, 15),
		Responsiveness: band(extract.CommentCount, 0, 100),
		Throughput:     band(extract.FileCount, 0, 50),
	},
	model.CategoryData: {
		Activity:       band(extract.QueryCount, 0, 1000),
		Participation:  band(extract.ActiveUsers, 0, 50),
		Responsiveness: inverse(extract.FailedRuns, extract.PipelineRuns),
		Throughput:     band(extract.DashboardCount, 0, 30),
	},
	model.CategoryGeneral: {
		Activity:       band(extract.EventCount, 0, 100),
		Participation:  Rule{Kind: Fixed, Counter: extract.EventCount},
		Responsiveness: Rule{Kind: Fixed, Counter: extract.EventCount},
		Throughput:     Rule{Kind: Fixed, Counter: extract.EventCount},
	},
}

// ProfileFor returns the normalization profile of a category, falling back
// to the general profile.
func ProfileFor(category model.Category) Profile {
	if p, ok := profiles[category]; ok {
		return p
	}
	return profiles[model.CategoryGeneral]
}

func (r Rule) apply(name string, c extract.Counters) Reading {
	raw := c.Get(r.Counter)
	var v float64
	switch r.Kind {
	case RatioOf:
		v = Ratio(raw, sum(c, r.Of))
	case InverseRatioOf:
		v = InverseRatio(raw, sum(c, r.Of))
	case Fixed:
		v = Neutral
	default:
		v = Normalize(raw, r.Min, r.Max)
	}
	return Reading{Name: name, Raw: raw, Normalized: v}
}

func sum(c extract.Counters, names []string) float64 {
	var total float64
	for _, n := range names {
		total += c.Get(n)
	}
	return total
}
