// Package config загружает конфигурацию из переменных окружения
// (github.com/caarlos0/env) с необязательным .env файлом (github.com/joho/godotenv).
//
// Имя очереди — обычное значение конфигурации (TASK_QUEUE), а не
// глобальная константа: производитель и воркеры должны получить одно и то же имя.
package config
