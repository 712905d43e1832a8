package lifecycle

import (
	"fmt"
	"time"
)

const deadlineLayout = "Mon 02 Jan 2006 15:04 MST"

func formatDeadline(t time.Time) string {
	return t.UTC().Format(deadlineLayout)
}

func createdMessage(p Proposal) string {
	return fmt.Sprintf("New member proposal for %s (id: %s). Voting closes %s unless vetoed.",
		p.Name, p.ID, formatDeadline(p.Deadline))
}

func announcementText(p Proposal) string {
	return fmt.Sprintf("Member proposal for %s created, id: %s\nVoting closes %s unless vetoed.",
		p.Name, p.ID, formatDeadline(p.Deadline))
}

func statusMessage(p Proposal, s Status) string {
	switch s {
	case StatusPassed:
		return fmt.Sprintf("The proposal for %s has passed.", p.Name)
	case StatusVetoed:
		return fmt.Sprintf("The proposal for %s has been vetoed.", p.Name)
	case StatusDeleted:
		return fmt.Sprintf("The proposal for %s has been deleted by admin.", p.Name)
	}
	return fmt.Sprintf("The proposal for %s is %s.", p.Name, s)
}

func finalAnnouncementText(p Proposal, s Status) string {
	return fmt.Sprintf("Member proposal for %s (id: %s): %s.", p.Name, p.ID, s)
}

func extendedMessage(p Proposal) string {
	return fmt.Sprintf("The deadline for the proposal for %s was extended due to server downtime. Voting now closes %s.",
		p.Name, formatDeadline(p.Deadline))
}

func extendedAnnouncementText(p Proposal) string {
	return fmt.Sprintf("Member proposal for %s, id: %s\nDeadline extended due to server downtime. Voting closes %s unless vetoed.",
		p.Name, p.ID, formatDeadline(p.Deadline))
}
