package api

// setupRoutes registers the operator surface.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	ai := s.router.Group("/ai")
	{
		ai.GET("/predict", s.handlePredict)
		ai.POST("/select", s.handleSelectModel)
		ai.GET("/models", s.handleListModels)
	}

	riskGroup := s.router.Group("/risk")
	{
		riskGroup.GET("/guardrails", s.handleGetGuardrails)
		riskGroup.POST("/guardrails", s.handlePatchGuardrails)
		riskGroup.POST("/guardrails/trigger-cooldown", s.handleTriggerCooldown)
		riskGroup.POST("/guardrails/clear-cooldown", s.handleClearCooldown)
	}

	admin := s.router.Group("/admin")
	{
		admin.POST("/kill", s.handleKill)
		admin.POST("/unkill", s.handleUnkill)
	}

	engines := s.router.Group("/engines")
	{
		engines.GET("", s.handleListEngines)
		engines.POST("/batch", s.handleEngineBatch)
		engines.POST("/:symbol/start", s.handleEngineStart)
		engines.POST("/:symbol/stop", s.handleEngineStop)
		engines.POST("/:symbol/restart", s.handleEngineRestart)
	}

	paper := s.router.Group("/paper")
	{
		paper.POST("/order", s.handlePaperOrder)
		paper.GET("/summary", s.handlePaperSummary)
		paper.GET("/positions", s.handlePaperPositions)
		paper.GET("/trades", s.handlePaperTrades)
		paper.GET("/portfolio", s.handlePaperPortfolio)
		paper.POST("/reset", s.handlePaperReset)
	}

	s.router.GET("/signals/similar", s.handleSimilarSignals)
	s.router.GET("/feed/status", s.handleFeedStatus)

	flagsGroup := s.router.Group("/flags")
	{
		flagsGroup.GET("", s.handleGetFlags)
		flagsGroup.POST("/snapshot", s.handleFlagSnapshot)
		flagsGroup.POST("/restore", s.handleFlagRestore)
		flagsGroup.GET("/snapshots", s.handleListFlagSnapshots)
		flagsGroup.PUT("/:key", s.handleSetFlag)
	}
}
