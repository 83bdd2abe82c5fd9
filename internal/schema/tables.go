package schema

// Имена таблиц
const (
	TableProfiles       = "profiles"
	TableReferrals      = "referrals"
	TableBalances       = "balances"
	TableUserStats      = "user_stats"
	TableReferralStats  = "referral_stats"
	TableUserRoles      = "user_roles"
	TableSubscriptions  = "subscriptions"
	TableSupportTickets = "support_tickets"
)

func idColumn() Column {
	return Column{Name: "id", Type: "UUID", Default: "gen_random_uuid()", PrimaryKey: true}
}

func userIDColumn() Column {
	return Column{
		Name: "user_id", Type: "UUID", NotNull: true,
		RefTable: TableProfiles, RefColumn: "id", OnDeleteCascade: true,
	}
}

func timestampColumn(name string) Column {
	return Column{Name: name, Type: "TIMESTAMP", Default: "NOW()"}
}

func moneyColumn(name string) Column {
	return Column{Name: name, Type: "DECIMAL(10, 2)", Default: "0.00"}
}

func counterColumn(name string) Column {
	return Column{Name: name, Type: "INTEGER", Default: "0"}
}

// Profiles таблица профилей пользователей
func Profiles() Table {
	return Table{
		Name: TableProfiles,
		Columns: []Column{
			idColumn(),
			{Name: "telegram_id", Type: "BIGINT", Unique: true, NotNull: true},
			{Name: "telegram_username", Type: "VARCHAR(255)"},
			{Name: "first_name", Type: "VARCHAR(255)", NotNull: true},
			{Name: "last_name", Type: "VARCHAR(255)"},
			{Name: "avatar_url", Type: "TEXT"},
			{Name: "referral_code", Type: "VARCHAR(50)", Unique: true},
			{Name: "referred_by", Type: "UUID", RefTable: TableProfiles, RefColumn: "id"},
			timestampColumn("created_at"),
			timestampColumn("updated_at"),
		},
		Indexes: []Index{
			{Name: "idx_profiles_telegram_id", Columns: []string{"telegram_id"}},
			{Name: "idx_profiles_referral_code", Columns: []string{"referral_code"}},
			{Name: "idx_profiles_referred_by", Columns: []string{"referred_by"}},
		},
	}
}

// Referrals таблица реферальных связей
func Referrals() Table {
	return Table{
		Name: TableReferrals,
		Columns: []Column{
			idColumn(),
			{Name: "referrer_id", Type: "UUID", NotNull: true, RefTable: TableProfiles, RefColumn: "id", OnDeleteCascade: true},
			{Name: "referred_id", Type: "UUID", NotNull: true, RefTable: TableProfiles, RefColumn: "id", OnDeleteCascade: true},
			{Name: "level", Type: "INTEGER", Default: "1"},
			{Name: "is_active", Type: "BOOLEAN", Default: "TRUE"},
			timestampColumn("created_at"),
		},
		Uniques: []UniqueConstraint{
			{Name: "unique_referral_per_referrer", Columns: []string{"referrer_id", "referred_id"}},
		},
		Indexes: []Index{
			{Name: "idx_referrals_referrer", Columns: []string{"referrer_id"}},
			{Name: "idx_referrals_referred", Columns: []string{"referred_id"}},
		},
	}
}

// Balances таблица балансов
func Balances() Table {
	return Table{
		Name: TableBalances,
		Columns: []Column{
			idColumn(),
			userIDColumn(),
			moneyColumn("internal_balance"),
			moneyColumn("external_balance"),
			moneyColumn("total_earned"),
			moneyColumn("total_withdrawn"),
			timestampColumn("updated_at"),
		},
		Indexes: []Index{{Name: "idx_balances_user_id", Columns: []string{"user_id"}}},
	}
}

// UserStats таблица статистики входов
func UserStats() Table {
	return Table{
		Name: TableUserStats,
		Columns: []Column{
			idColumn(),
			userIDColumn(),
			counterColumn("total_logins"),
			{Name: "last_login_at", Type: "TIMESTAMP"},
			timestampColumn("updated_at"),
		},
		Indexes: []Index{{Name: "idx_user_stats_user_id", Columns: []string{"user_id"}}},
	}
}

// ReferralStats таблица кэшированных реферальных счетчиков
func ReferralStats() Table {
	return Table{
		Name: TableReferralStats,
		Columns: []Column{
			idColumn(),
			userIDColumn(),
			counterColumn("total_referrals"),
			moneyColumn("total_earnings"),
			counterColumn("level_1_count"),
			counterColumn("level_2_count"),
			counterColumn("level_3_count"),
			counterColumn("level_4_count"),
			counterColumn("level_5_count"),
			timestampColumn("updated_at"),
		},
		// уникальность нужна для upsert счетчиков
		Indexes: []Index{{Name: "idx_referral_stats_user_id", Columns: []string{"user_id"}, Unique: true}},
	}
}

// UserRoles таблица ролей
func UserRoles() Table {
	return Table{
		Name: TableUserRoles,
		Columns: []Column{
			idColumn(),
			userIDColumn(),
			{Name: "role", Type: "VARCHAR(50)", Default: "'user'"},
			timestampColumn("created_at"),
		},
		Indexes: []Index{{Name: "idx_user_roles_user_id", Columns: []string{"user_id"}}},
	}
}

// Subscriptions таблица подписок
func Subscriptions() Table {
	return Table{
		Name: TableSubscriptions,
		Columns: []Column{
			idColumn(),
			userIDColumn(),
			{Name: "plan_name", Type: "VARCHAR(100)", NotNull: true},
			{Name: "plan_type", Type: "VARCHAR(50)", NotNull: true},
			{Name: "status", Type: "VARCHAR(20)", Default: "'inactive'"},
			{Name: "expires_at", Type: "TIMESTAMP"},
			timestampColumn("created_at"),
			timestampColumn("updated_at"),
		},
		Indexes: []Index{
			{Name: "idx_subscriptions_user_id_status", Columns: []string{"user_id", "status"}},
			{Name: "idx_subscriptions_expires_at", Columns: []string{"expires_at"}},
		},
	}
}

// SupportTickets таблица обращений в поддержку
func SupportTickets() Table {
	return Table{
		Name: TableSupportTickets,
		Columns: []Column{
			idColumn(),
			userIDColumn(),
			{Name: "category", Type: "VARCHAR(100)", NotNull: true},
			{Name: "subject", Type: "VARCHAR(255)"},
			{Name: "message", Type: "TEXT", NotNull: true},
			{Name: "status", Type: "VARCHAR(20)", Default: "'open'"},
			timestampColumn("created_at"),
			timestampColumn("updated_at"),
		},
		Indexes: []Index{{Name: "idx_tickets_user_id", Columns: []string{"user_id"}}},
	}
}

// All возвращает все таблицы в порядке создания (profiles первой из-за внешних ключей)
func All() []Table {
	return []Table{
		Profiles(),
		Referrals(),
		Balances(),
		UserStats(),
		ReferralStats(),
		UserRoles(),
		Subscriptions(),
		SupportTickets(),
	}
}
