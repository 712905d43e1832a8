package webserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/member-proposals/src/lifecycle"
)

// ProposalReader is the read side of the lifecycle engine.
type ProposalReader interface {
	ListActive() []lifecycle.Proposal
	Get(id string) (lifecycle.Proposal, error)
}

type proposalView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"createdAt"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	Subscribers      int       `json:"subscribers"`
	VetoAtDeadline   bool      `json:"vetoAtDeadline"`
}

type Proposals struct {
	reader ProposalReader
	now    func() time.Time
}

func NewProposals(reader ProposalReader) Proposals {
	return Proposals{reader: reader, now: time.Now}
}

func (h Proposals) view(p lifecycle.Proposal) proposalView {
	return proposalView{
		ID:               p.ID,
		Name:             p.Name,
		CreatedAt:        p.CreatedAt.UTC(),
		Deadline:         p.Deadline.UTC(),
		RemainingSeconds: int64(p.Remaining(h.now()) / time.Second),
		Subscribers:      len(p.Subscribers),
		VetoAtDeadline:   p.VetoAtDeadline,
	}
}

func (h Proposals) List(c *gin.Context) {
	active := h.reader.ListActive()
	views := make([]proposalView, 0, len(active))
	for _, p := range active {
		views = append(views, h.view(p))
	}
	c.JSON(http.StatusOK, gin.H{"proposals": views})
}

func (h Proposals) Get(c *gin.Context) {
	p, err := h.reader.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"err": "proposal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.view(p))
}
