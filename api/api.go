package api

import (
	"github.com/gin-gonic/gin"

	fieldsync "github.com/hotosm/field-tm-sync"
)

type Api struct {
	engine *fieldsync.FieldSync
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.GET("/status", a.GetStatus)

	router.GET("/outbox", a.GetOutbox)
	router.GET("/outbox/:outbox_id", a.GetOutboxStatus)
	router.POST("/outbox/:outbox_id/retry", a.RetryOutbox)
	router.POST("/flush", a.FlushOutbox)

	router.POST("/subscribe/:project_id", a.SubscribeProject)
	router.POST("/unsubscribe/:project_id", a.UnsubscribeProject)
	router.POST("/refresh/:project_id", a.RefreshProject)

	router.POST("/projects/:project_id/tasks/:task_id/events", a.RecordTaskEvent)
	router.GET("/projects/:project_id/tasks/:task_id/state", a.GetTaskState)

	router.POST("/projects/:project_id/entities/status", a.RecordEntityStatus)
	router.GET("/projects/:project_id/entities", a.GetProjectEntities)
	router.DELETE("/projects/:project_id/entities/:entity_id", a.DeleteEntity)

	router.POST("/projects/:project_id/submissions", a.UploadSubmission)

	return a.router
}

func NewAPI(f *fieldsync.FieldSync) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: f, router: r}
}
