package wire

import (
	"Murmur/internal/api"
	"Murmur/internal/api/handler"
	"Murmur/internal/feed"
	"Murmur/internal/job"
	"Murmur/internal/pkg/cron"
	"Murmur/internal/pkg/redis"
	"Murmur/internal/repository"
	"Murmur/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ApplicationContainer 封装了应用运行所需的所有顶级组件
type ApplicationContainer struct {
	Router  *gin.Engine
	DB      *gorm.DB
	CronMgr *cron.Manager
}

func BuildApplication(db *gorm.DB) (*ApplicationContainer, error) {
	userRepo := repository.NewUserRepo(db)
	convRepo := repository.NewConversationRepo(db)
	msgRepo := repository.NewMessageRepo(db)

	bus := feed.NewRedisBus(redis.GetRdbClient())

	userService := service.NewUserService(userRepo)
	chatService := service.NewChatService(convRepo, msgRepo, userRepo, bus)

	handlers := &api.HandlersGroup{
		UserHandler: handler.NewUserHandler(userService),
		ChatHandler: handler.NewChatHandler(chatService),
		WSHandler:   handler.NewWsHandler(chatService, bus),
	}

	router := api.SetupRouter(handlers)

	cronMgr := cron.NewCronManager(job.NewConversationRepairJob(convRepo))

	return &ApplicationContainer{
		Router:  router,
		DB:      db,
		CronMgr: cronMgr,
	}, nil
}
