package directory

import (
	"time"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/logger"
)

var _ taskHandler = (*Directory)(nil)

func (d *Directory) addGlobal(t *gcdTask, ttl time.Duration, done capabilities.Callback[struct{}]) {
	d.client.Add(done, t.entry, ttl, t.gbids)
}

// removeGlobal sends the remove for every GBID the participant is known in.
// A participant without GBIDs is only dropped locally.
func (d *Directory) removeGlobal(t *gcdTask, done capabilities.Callback[struct{}]) bool {
	gbids := d.GbidsOf(t.participantID)
	if len(gbids) == 0 {
		d.forget(t.participantID)
		d.log.Warn("remove: no GBIDs found, dropped local entry only", logger.Fields(
			logger.FieldTaskID, t.id, logger.FieldParticipantID, t.participantID))
		return false
	}
	d.client.Remove(done, t.participantID, gbids)
	return true
}
