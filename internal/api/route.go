package api

import (
	"Murmur/internal/api/middleware"
	"Murmur/internal/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(group *HandlersGroup) *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"localhost"})

	// TraceId & Logger & CORS
	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.AuditMiddleware())
	r.Use(middleware.CORSMiddleware())
	logger.SetupGin(r)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"Code":    200,
				"Message": "pong",
				"Data":    nil,
			})
		})

		userGroup := apiGroup.Group("/user")
		{
			// 无需登录即可访问的接口
			userGroup.POST("/login", group.UserHandler.Login)
			userGroup.POST("/register", group.UserHandler.Register)

			authGroup := userGroup.Group("")
			authGroup.Use(middleware.AuthMiddleware())
			{
				authGroup.POST("/logout", group.UserHandler.Logout)
				authGroup.GET("/info", group.UserHandler.GetUserInfo)
				authGroup.PUT("/info", group.UserHandler.UpdateUserInfo)
				authGroup.GET("/search", group.UserHandler.SearchUser)
			}
		}

		chatGroup := apiGroup.Group("/chat")
		{
			chatGroup.GET("/ws", group.WSHandler.Connect)
			authGroup := chatGroup.Group("")
			authGroup.Use(middleware.AuthMiddleware())
			{
				authGroup.POST("/resolve", group.ChatHandler.ResolveConversation)
				authGroup.POST("/send", group.ChatHandler.SendMessage)
				authGroup.GET("/history", group.ChatHandler.GetChatHistory)
				authGroup.GET("/list", group.ChatHandler.GetConversationList)
				authGroup.POST("/read", group.ChatHandler.MarkAsRead)
			}
		}
	}

	return r
}
