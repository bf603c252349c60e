package dispatch

import (
	"log"

	"github.com/msageha/autodispatch/internal/model"
)

// DependencyResolver checks direct depends_on entries against the task index.
// Dependencies of dependencies are not followed.
type DependencyResolver struct {
	index map[string]*model.Task
	clog  componentLog
}

func NewDependencyResolver(index map[string]*model.Task, logger *log.Logger, logLevel LogLevel) *DependencyResolver {
	return &DependencyResolver{
		index: index,
		clog:  componentLog{logger: logger, minLevel: logLevel, component: "dependency_resolver"},
	}
}

// Satisfied returns the dependency ids that are not complete, in depends_on
// order. A missing id is never complete.
func (dr *DependencyResolver) Satisfied(task *model.Task) (bool, []string) {
	var blocking []string
	for _, dep := range task.DependsOn {
		d, ok := dr.index[dep]
		if ok && d.Status == model.StatusComplete {
			continue
		}
		if !ok {
			dr.clog.log(LogLevelDebug, "task=%s dep=%s missing", task.ID, dep)
		} else {
			dr.clog.log(LogLevelDebug, "task=%s dep=%s dep_status=%s", task.ID, dep, d.Status)
		}
		blocking = append(blocking, dep)
	}
	return len(blocking) == 0, blocking
}
